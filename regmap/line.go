package regmap

import "fmt"

// Line identifies one of the bridge's interrupt lines.
type Line uint8

// Interrupt lines.
const (
	LinePCIe Line = iota
	LineSystem
)

func (l Line) String() string {
	switch l {
	case LinePCIe:
		return "pcie"
	case LineSystem:
		return "system"
	default:
		return fmt.Sprintf("Line(%d)", uint8(l))
	}
}

// MarshalText encodes the line by name.
func (l Line) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a line name.
func (l *Line) UnmarshalText(text []byte) error {
	parsed, ok := ParseLine(string(text))
	if !ok {
		return fmt.Errorf("regmap: unknown line %q", text)
	}

	*l = parsed

	return nil
}

// ParseLine returns the line with the given name.
func ParseLine(name string) (Line, bool) {
	switch name {
	case "pcie":
		return LinePCIe, true
	case "system":
		return LineSystem, true
	}

	return 0, false
}

// Queue names an event queue whose source bit the hardware can raise.
type Queue uint8

// Queues.
const (
	QueueA Queue = iota
	QueueB
	QueueDoorbell
)

func (q Queue) String() string {
	switch q {
	case QueueA:
		return "A"
	case QueueB:
		return "B"
	case QueueDoorbell:
		return "doorbell"
	default:
		return "unknown"
	}
}
