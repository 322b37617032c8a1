package protocol

import (
	"strings"

	"github.com/google/uuid"
)

// Agent peripheral GATT identifiers. These match the peripheral firmware
// bit for bit.
var (
	EnrollServiceUUID  = uuid.MustParse("80CBFCD9-C13A-4817-8921-349F3702A4D0")
	EnrollRequestUUID  = uuid.MustParse("40A70AAD-6E05-4EBD-B9DB-2010DC412881")
	EnrollResponseUUID = uuid.MustParse("AC103510-5E49-41C5-94DA-CBA4329A6CF5")

	AuthServiceUUID  = uuid.MustParse("1012A197-B767-421C-B49C-10F385BA22E1")
	AuthRequestUUID  = uuid.MustParse("E11C666D-A68C-4775-A05E-2765830D5D60")
	AuthResponseUUID = uuid.MustParse("BEDFA15A-9048-4ABD-8455-6E164F4878E3")
)

// Identifiers is the service and characteristic pair used by one family.
// Request is written by the central, Response is read back.
type Identifiers struct {
	Service  uuid.UUID
	Request  uuid.UUID
	Response uuid.UUID
}

// Identifiers returns the GATT identifiers of family f.
func (f Family) Identifiers() Identifiers {
	if f == FamilyAuth {
		return Identifiers{Service: AuthServiceUUID, Request: AuthRequestUUID, Response: AuthResponseUUID}
	}
	return Identifiers{Service: EnrollServiceUUID, Request: EnrollRequestUUID, Response: EnrollResponseUUID}
}

var labels = map[uuid.UUID]string{
	EnrollServiceUUID:  "enrollService",
	EnrollRequestUUID:  "enrollInput",
	EnrollResponseUUID: "enrollOutput",
	AuthServiceUUID:    "authService",
	AuthRequestUUID:    "authInput",
	AuthResponseUUID:   "authOutput",
}

// Label returns a short diagnostic name for a known identifier, or "unknown".
func Label(id uuid.UUID) string {
	if name, ok := labels[id]; ok {
		return name
	}
	return "unknown"
}

// LabelString is Label for an identifier in string form. Unparseable input
// is "unknown".
func LabelString(s string) string {
	id, err := ParseID(s)
	if err != nil {
		return "unknown"
	}
	return Label(id)
}

// ParseID parses a 128-bit identifier in any case, with or without braces.
func ParseID(s string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(s))
}
