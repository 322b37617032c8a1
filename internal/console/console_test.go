package console

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/fakeagent/internal/ble"
	"github.com/chaz8081/fakeagent/internal/ble/protocol"
)

type fakeEngine struct {
	calls  []string
	status ble.Status
}

func (f *fakeEngine) Enroll()            { f.calls = append(f.calls, "enroll") }
func (f *fakeEngine) Auth()              { f.calls = append(f.calls, "auth") }
func (f *fakeEngine) Reset()             { f.calls = append(f.calls, "reset") }
func (f *fakeEngine) Status() ble.Status { return f.status }

func TestServeDispatchesCommands(t *testing.T) {
	eng := &fakeEngine{}
	in := strings.NewReader("enroll\n\n  AUTH \nreset\nbogus\nquit\nenroll\n")
	var out bytes.Buffer

	require.NoError(t, Serve(context.Background(), in, &out, eng))

	assert.Equal(t, []string{"enroll", "auth", "reset"}, eng.calls)
	assert.Contains(t, out.String(), `unknown command "bogus"`)
}

func TestServeStopsAtEOF(t *testing.T) {
	eng := &fakeEngine{}
	require.NoError(t, Serve(context.Background(), strings.NewReader("a"), &bytes.Buffer{}, eng))
	assert.Equal(t, []string{"auth"}, eng.calls)
}

func TestServeStatusAndHelp(t *testing.T) {
	eng := &fakeEngine{status: ble.Status{PoweredOn: true, Outcome: ble.OutcomeCompleted, Sessions: 2}}
	var out bytes.Buffer

	require.NoError(t, Serve(context.Background(), strings.NewReader("status\nhelp\n"), &out, eng))

	assert.Contains(t, out.String(), "idle (power on, last outcome: completed, sessions: 2)")
	assert.Contains(t, out.String(), "commands:")
	assert.Empty(t, eng.calls)
}

func TestFormatStatusBusy(t *testing.T) {
	st := ble.Status{
		Busy:       true,
		PoweredOn:  true,
		Stage:      protocol.EnrollRound2,
		Peripheral: "AA:BB:CC:DD:EE:FF",
		Outcome:    ble.OutcomeStalled,
	}
	got := FormatStatus(st)
	assert.Equal(t, `busy: stage "Enroll 2" (power on), peripheral AA:BB:CC:DD:EE:FF, stalled: reset required`, got)
}
