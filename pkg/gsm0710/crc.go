// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gsm0710

var crcTable = buildCRCTable()

func buildCRCTable() [256]byte {
	var table [256]byte
	for i := 0; i < 256; i++ {
		crc := byte(i)
		for bit := 0; bit < 8; bit++ {
			if crc&0x01 != 0 {
				crc = (crc >> 1) ^ crcPolynomial
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
	return table
}

// CalculateFCS computes the 07.10 frame check sequence for the given data.
// The returned value is the byte transmitted on the wire.
func CalculateFCS(data []byte) byte {
	crc := byte(crcInitial)
	for _, b := range data {
		crc = crcTable[crc^b]
	}
	return 0xFF - crc
}

// CheckFCS reports whether fcs is the correct check sequence for data
func CheckFCS(data []byte, fcs byte) bool {
	return CalculateFCS(data) == fcs
}
