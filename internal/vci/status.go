package vci

import "fmt"

// Status is the symbolic form of a native driver return code. The numeric
// values are fixed by the VCIAccess driver ABI; downstream recovery logic
// pattern-matches on the string forms, so neither may change.
type Status int

const (
	StatusOK    Status = 0
	StatusOKAlt Status = 1

	StatusHardwareError             Status = -1
	StatusSoftwareError             Status = -2
	StatusMissingDriverResource     Status = -3
	StatusCableUnplugged            Status = -4
	StatusNoResponseFromECU         Status = -5
	StatusInvalidComLine            Status = -6
	StatusInvalidProtocolDescriptor Status = -7
	StatusInvalidECUDescriptor      Status = -8
	StatusInvalidFunctionOrder      Status = -9
	StatusResponseBufferOverflow    Status = -10
	StatusCommunicationTimeout      Status = -11
	StatusBusy                      Status = -12
	StatusInvalidParameter          Status = -13
	StatusInitializationFailed      Status = -14
	StatusProtocolNotSupported      Status = -15
)

var statusNames = map[Status]string{
	StatusOK:                        "OPERATION SUCCEEDED",
	StatusOKAlt:                     "OPERATION SUCCEEDED (ALT)",
	StatusHardwareError:             "HARDWARE ERROR",
	StatusSoftwareError:             "SOFTWARE ERROR",
	StatusMissingDriverResource:     "MISSING DRIVER RESOURCE",
	StatusCableUnplugged:            "CABLE IS UNPLUGGED",
	StatusNoResponseFromECU:         "NO RESPONSE FROM ECU",
	StatusInvalidComLine:            "INVALID COMMUNICATION LINE",
	StatusInvalidProtocolDescriptor: "INVALID PROTOCOL DESCRIPTOR",
	StatusInvalidECUDescriptor:      "INVALID ECU DESCRIPTOR",
	StatusInvalidFunctionOrder:      "INVALID FUNCTION ORDER",
	StatusResponseBufferOverflow:    "RESPONSE BUFFER OVERFLOW",
	StatusCommunicationTimeout:      "COMMUNICATION TIMEOUT",
	StatusBusy:                      "VCI BUSY",
	StatusInvalidParameter:          "INVALID PARAMETER",
	StatusInitializationFailed:      "INITIALIZATION FAILED",
	StatusProtocolNotSupported:      "PROTOCOL NOT SUPPORTED",
}

// String returns the symbolic name for the status code.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN ERROR %d", int(s))
}

// OK reports whether the status represents success. The driver returns
// either 0 or 1 for successful calls; every negative value is a failure.
func (s Status) OK() bool {
	return s >= 0
}

// Timeout reports whether the status is the ordinary no-answer outcome.
// Timeouts are expected during diagnostics and are not session-fatal.
func (s Status) Timeout() bool {
	return s == StatusCommunicationTimeout || s == StatusNoResponseFromECU
}
