package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrn/labelpress/internal/core"
)

var (
	ErrNoAddress        = errors.New("printer has no network address")
	ErrConnectionFailed = errors.New("connection failed")
	ErrInvalidStatus    = errors.New("invalid status response")
)

const (
	DefaultPort          = 9100
	statusCommand        = "\x1b!?"
	statusResponseLength = 4
	defaultTimeout       = 10 * time.Second
	writeChunk           = 4096
)

var printerStateMap = map[byte]string{
	'@': "normal",
	'F': "feeding",
	'P': "paused",
	'E': "error",
	'H': "head_open",
	'S': "standby",
	'L': "label_waiting",
	'I': "idle",
}

var warningMap = map[byte]string{
	'@': "none",
	'A': "paper_low",
	'B': "ribbon_low",
	'C': "paper_and_ribbon_low",
}

var errorMap = map[byte]string{
	'@': "none",
	'A': "head_overheat",
	'B': "motor_overheat",
	'C': "head_and_motor_overheat",
	'D': "head_error",
	'E': "cutter_error",
	'F': "rtc_error",
}

var mediaErrorMap = map[byte]string{
	'@': "none",
	'A': "paper_empty",
	'B': "ribbon_empty",
	'C': "paper_and_ribbon_empty",
	'D': "takeup_reel_full",
	'`': "head_open",
}

type DeviceStatus struct {
	RawStatus    [4]byte   `json:"raw_status"`
	PrinterState string    `json:"printer_state"`
	Warning      string    `json:"warning"`
	Error        string    `json:"error"`
	MediaError   string    `json:"media_error"`
	IsOnline     bool      `json:"is_online"`
	CanPrint     bool      `json:"can_print"`
	LastChecked  time.Time `json:"last_checked"`
}

// Directory resolves a printer id to its network endpoint.
type Directory interface {
	GetPrinter(id string) (*core.Printer, error)
}

type Option func(*TCP)

func WithLogger(log zerolog.Logger) Option {
	return func(t *TCP) { t.log = log.With().Str("component", "transport").Logger() }
}

// WithStatusCheck queries the device status before every send and refuses
// to print on a device that reports it cannot.
func WithStatusCheck(on bool) Option {
	return func(t *TCP) { t.statusCheck = on }
}

// TCP sends raw payloads to port 9100 style printers. Each send uses its own
// connection, which is closed to abort a transfer when ctx ends.
type TCP struct {
	dir         Directory
	timeout     time.Duration
	statusCheck bool
	dialer      net.Dialer
	log         zerolog.Logger
}

func NewTCP(dir Directory, timeout time.Duration, opts ...Option) *TCP {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	t := &TCP{
		dir:     dir,
		timeout: timeout,
		dialer:  net.Dialer{Timeout: timeout},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *TCP) address(printerID string) (string, error) {
	p, err := t.dir.GetPrinter(printerID)
	if err != nil {
		return "", err
	}
	if p.Address == "" {
		return "", ErrNoAddress
	}
	port := p.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(p.Address, strconv.Itoa(port)), nil
}

func (t *TCP) connect(ctx context.Context, printerID string) (net.Conn, error) {
	addr, err := t.address(printerID)
	if err != nil {
		return nil, err
	}
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	return conn, nil
}

// Send writes data to the printer. Cancelling ctx closes the connection and
// interrupts the write.
func (t *TCP) Send(ctx context.Context, printerID string, data []byte) (*core.SendResult, error) {
	start := time.Now()

	conn, err := t.connect(ctx, printerID)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if t.statusCheck {
		status, err := queryStatus(conn)
		if err != nil {
			return nil, t.abortErr(ctx, err)
		}
		if !status.CanPrint {
			if status.PrinterState == "feeding" {
				return nil, &core.CodedError{Code: core.CodePrinterBusy, Message: "printer is feeding", Recoverable: true}
			}
			return nil, &core.CodedError{Code: core.CodeTransmitFailed, Message: fmt.Sprintf("printer cannot print: state=%s error=%s media=%s", status.PrinterState, status.Error, status.MediaError)}
		}
	}

	for off := 0; off < len(data); off += writeChunk {
		end := off + writeChunk
		if end > len(data) {
			end = len(data)
		}
		if _, err := conn.Write(data[off:end]); err != nil {
			return nil, t.abortErr(ctx, err)
		}
	}

	res := &core.SendResult{Success: true, Elapsed: time.Since(start)}
	t.log.Debug().Str("printer_id", printerID).Int("bytes", len(data)).Dur("elapsed", res.Elapsed).Msg("payload sent")
	return res, nil
}

// abortErr reports the context error when a write failed because ctx ended.
func (t *TCP) abortErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
}

// TestConnection reports whether the printer accepts connections. Devices
// that do not answer the status query count as reachable.
func (t *TCP) TestConnection(ctx context.Context, printerID string) bool {
	conn, err := t.connect(ctx, printerID)
	if err != nil {
		t.log.Debug().Err(err).Str("printer_id", printerID).Msg("connection test failed")
		return false
	}
	defer conn.Close()

	status, err := queryStatus(conn)
	if err != nil {
		return errors.Is(err, ErrInvalidStatus)
	}
	return status.IsOnline
}

// Status queries the device status over a fresh connection.
func (t *TCP) Status(ctx context.Context, printerID string) (*DeviceStatus, error) {
	conn, err := t.connect(ctx, printerID)
	if err != nil {
		return &DeviceStatus{LastChecked: time.Now()}, err
	}
	defer conn.Close()
	return queryStatus(conn)
}

func queryStatus(conn net.Conn) (*DeviceStatus, error) {
	if _, err := conn.Write([]byte(statusCommand)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	response := make([]byte, statusResponseLength)
	n, err := io.ReadFull(conn, response)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidStatus, n)
		}
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	status := parseStatus(response)
	status.IsOnline = true
	status.LastChecked = time.Now()
	status.CanPrint = status.Error == "none" && status.MediaError == "none" &&
		(status.PrinterState == "normal" || status.PrinterState == "standby" || status.PrinterState == "idle")
	return status, nil
}

func parseStatus(response []byte) *DeviceStatus {
	status := &DeviceStatus{
		RawStatus: [4]byte{response[0], response[1], response[2], response[3]},
	}
	status.PrinterState = lookup(printerStateMap, response[0])
	status.Warning = lookup(warningMap, response[1])
	status.Error = lookup(errorMap, response[2])
	status.MediaError = lookup(mediaErrorMap, response[3])
	return status
}

func lookup(m map[byte]string, b byte) string {
	if v, ok := m[b]; ok {
		return v
	}
	return "unknown"
}

// PrinterState maps a device status onto the scheduler's printer states.
func PrinterState(status *DeviceStatus) core.PrinterState {
	switch {
	case status == nil || !status.IsOnline:
		return core.PrinterOffline
	case status.PrinterState == "error" || status.Error != "none" || status.MediaError != "none":
		return core.PrinterError
	case status.PrinterState == "paused":
		return core.PrinterMaintenance
	case status.PrinterState == "feeding":
		return core.PrinterBusy
	}
	return core.PrinterOnline
}
