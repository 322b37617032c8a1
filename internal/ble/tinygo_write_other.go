//go:build !darwin && !windows

package ble

import "tinygo.org/x/bluetooth"

// The BlueZ and HCI backends only expose write commands.
const writeWithResponseSupported = false

func writeCharacteristic(ch bluetooth.DeviceCharacteristic, data []byte, _ bool) error {
	_, err := ch.WriteWithoutResponse(data)
	return err
}
