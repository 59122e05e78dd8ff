package attestation

import (
	"strings"
	"time"
)

const testDeviceID = "0123456789abcdef0123456789abcdef"

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func hexOf(c string) string { return strings.Repeat(c, 64) }

func newTestReport() *Report {
	m := Measurements{
		Hashes: map[string]string{
			FirmwareHash:      hexOf("a"),
			BootloaderHash:    hexOf("b"),
			ConfigurationHash: hexOf("c"),
		},
		PCRValues: []PCRValue{
			{Index: 7, Value: hexOf("7"), Algorithm: PCRAlgorithm},
			{Index: 0, Value: hexOf("0"), Algorithm: PCRAlgorithm},
		},
	}
	p := PlatformInfo{SecureBootEnabled: true, FirmwareVersion: "1.2.3"}
	return NewReport(testDeviceID, hexOf("e")[:32], testNow.Add(-time.Minute), m, p)
}
