//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

const writeWithResponseSupported = true

func writeCharacteristic(ch bluetooth.DeviceCharacteristic, data []byte, withResponse bool) error {
	var err error
	if withResponse {
		_, err = ch.Write(data)
	} else {
		_, err = ch.WriteWithoutResponse(data)
	}
	return err
}
