package driver

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opendiag/vcibridge/internal/vci"
)

// Exchange records one write-and-read call against the simulator, used by
// tests to verify serialization of hardware access.
type Exchange struct {
	Request string
	Start   time.Time
	End     time.Time
}

// Simulator implements Driver against a synthetic ECU. It answers common
// UDS services out of the box and can be primed with exact request/response
// pairs or forced-silent requests.
type Simulator struct {
	mu       sync.Mutex
	open     bool
	line     int
	bound    bool
	ecuDIDs  map[string]string
	replies  map[string]string
	silent   map[string]bool
	history  []Exchange
	inFlight atomic.Int32
	overlap  atomic.Bool

	// Voltage is reported for every analog channel.
	Voltage float32
	// Latency is added to every exchange before the answer is produced.
	Latency time.Duration
}

// NewSimulator returns a simulator with a healthy battery and a couple of
// readable data identifiers.
func NewSimulator() *Simulator {
	return &Simulator{
		ecuDIDs: map[string]string{
			"F190": "56463358585858585858583132333435", // VIN
			"2901": "FD000000010101",
		},
		replies: map[string]string{},
		silent:  map[string]bool{},
		Voltage: 12.4,
	}
}

// Prime registers an exact reply for a request payload.
func (s *Simulator) Prime(request, response string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[strings.ToUpper(request)] = strings.ToUpper(response)
}

// Silence makes the simulator never answer the given request, so the
// exchange ends in a communication timeout.
func (s *Simulator) Silence(request string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent[strings.ToUpper(request)] = true
}

// History returns the recorded exchanges.
func (s *Simulator) History() []Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Exchange, len(s.history))
	copy(out, s.history)
	return out
}

// SawOverlap reports whether two exchanges were ever in flight at once.
func (s *Simulator) SawOverlap() bool {
	return s.overlap.Load()
}

func (s *Simulator) OpenSession() vci.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	return vci.StatusOK
}

func (s *Simulator) CloseSession() vci.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.bound = false
	return vci.StatusOK
}

func (s *Simulator) ChangeComLine(line int) vci.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return vci.StatusInvalidFunctionOrder
	}
	s.line = line
	return vci.StatusOK
}

func (s *Simulator) BindProtocol(descriptor []byte) vci.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return vci.StatusInvalidFunctionOrder
	}
	if len(descriptor) == 0 {
		return vci.StatusInvalidProtocolDescriptor
	}
	s.bound = true
	return vci.StatusOK
}

func (s *Simulator) WriteAndRead(ecuDesc, request, out []byte, timeoutMs int) int {
	return s.exchange(ecuDesc, request, out, timeoutMs)
}

func (s *Simulator) WriteAndReadMultiple(ecuDesc, request []byte, frames int, out []byte, timeoutMs int) int {
	return s.exchange(ecuDesc, request, out, timeoutMs)
}

func (s *Simulator) exchange(ecuDesc, request, out []byte, timeoutMs int) int {
	if s.inFlight.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.inFlight.Add(-1)

	start := time.Now()
	s.mu.Lock()
	open, bound := s.open, s.bound
	s.mu.Unlock()
	if !open || !bound || len(ecuDesc) == 0 {
		return int(vci.StatusInvalidFunctionOrder)
	}

	if s.Latency > 0 {
		time.Sleep(s.Latency)
	}

	req := vci.EncodeHex(request)
	reply, rc := s.answer(req, timeoutMs)

	s.mu.Lock()
	s.history = append(s.history, Exchange{Request: req, Start: start, End: time.Now()})
	s.mu.Unlock()

	if rc != 0 {
		return rc
	}
	raw, err := vci.ParseHex(reply)
	if err != nil {
		return int(vci.StatusSoftwareError)
	}
	if len(raw) > len(out) {
		return int(vci.StatusResponseBufferOverflow)
	}
	copy(out, raw)
	return len(raw)
}

// answer produces the reply hex for a request, or a non-zero status code.
func (s *Simulator) answer(req string, timeoutMs int) (string, int) {
	s.mu.Lock()
	primed, hasPrimed := s.replies[req]
	isSilent := s.silent[req]
	s.mu.Unlock()

	if isSilent {
		time.Sleep(time.Duration(timeoutMs) * time.Millisecond)
		return "", int(vci.StatusCommunicationTimeout)
	}
	if hasPrimed {
		return primed, 0
	}

	switch {
	case strings.HasPrefix(req, "3E"):
		return "7E" + req[2:], 0
	case req == "1103":
		return "5103", 0
	case strings.HasPrefix(req, "10") && len(req) == 4:
		return "50" + req[2:] + "00C80014", 0
	case strings.HasPrefix(req, "22") && len(req) >= 6:
		s.mu.Lock()
		data, ok := s.ecuDIDs[req[2:6]]
		s.mu.Unlock()
		if ok {
			return "62" + req[2:6] + data, 0
		}
		return "7F2231", 0
	case strings.HasPrefix(req, "2E") && len(req) >= 6:
		s.mu.Lock()
		if _, ok := s.ecuDIDs[req[2:6]]; ok {
			s.ecuDIDs[req[2:6]] = req[6:]
			s.mu.Unlock()
			return "6E" + req[2:6], 0
		}
		s.mu.Unlock()
		return "7F2E31", 0
	}

	if len(req) >= 2 {
		// serviceNotSupported
		return "7F" + req[:2] + "11", 0
	}
	return "", int(vci.StatusInvalidParameter)
}

func (s *Simulator) PerformInit(ecuDesc, out []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open || len(ecuDesc) == 0 {
		return int(vci.StatusInitializationFailed)
	}
	// Keyword protocol init answers with the key bytes.
	key := []byte{0x55, 0xEF, 0x8F}
	if len(key) > len(out) {
		return int(vci.StatusResponseBufferOverflow)
	}
	copy(out, key)
	return len(key)
}

func (s *Simulator) AnalogData(channel int) (float32, vci.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return 0, vci.StatusInvalidFunctionOrder
	}
	if channel < 0 || channel > 7 {
		return 0, vci.StatusInvalidParameter
	}
	return s.Voltage, vci.StatusOK
}

func (s *Simulator) APIVersion() int {
	return 322
}

func (s *Simulator) FirmwareVersion(out []byte) int {
	fw := "SIM 1.00"
	if len(fw) > len(out) {
		return int(vci.StatusResponseBufferOverflow)
	}
	copy(out, fw)
	return len(fw)
}
