package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/orrn/labelpress/internal/template"
)

type Priority string

const (
	PriorityLow       Priority = "LOW"
	PriorityNormal    Priority = "NORMAL"
	PriorityHigh      Priority = "HIGH"
	PriorityUrgent    Priority = "URGENT"
	PriorityImmediate Priority = "IMMEDIATE"
)

var Priorities = []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent, PriorityImmediate}

func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	p := Priority(strings.ToUpper(s))
	for _, known := range Priorities {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

var DefaultPriorityWeights = map[Priority]int{
	PriorityLow:       1,
	PriorityNormal:    2,
	PriorityHigh:      4,
	PriorityUrgent:    8,
	PriorityImmediate: 16,
}

type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobQueued    JobStatus = "QUEUED"
	JobCompiling JobStatus = "COMPILING"
	JobCompiled  JobStatus = "COMPILED"
	JobPrinting  JobStatus = "PRINTING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
	// JobRetrying only appears in status change events between FAILED and QUEUED.
	JobRetrying JobStatus = "RETRYING"
)

var JobStatuses = []JobStatus{
	JobPending, JobQueued, JobCompiling, JobCompiled, JobPrinting,
	JobCompleted, JobFailed, JobCancelled, JobRetrying,
}

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Active reports whether a job in this state is held by an executing run.
func (s JobStatus) Active() bool {
	return s == JobCompiling || s == JobCompiled || s == JobPrinting
}

var transitions = map[JobStatus][]JobStatus{
	JobPending:   {JobQueued},
	JobQueued:    {JobCompiling},
	JobCompiling: {JobCompiled},
	JobCompiled:  {JobPrinting},
	JobPrinting:  {JobCompleted},
	JobFailed:    {JobQueued},
	JobRetrying:  {JobQueued},
}

func canTransition(from, to JobStatus) bool {
	if (to == JobFailed || to == JobCancelled) && !from.Terminal() {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Format string

const (
	FormatPDF    Format = "PDF"
	FormatZPL    Format = "ZPL"
	FormatTSPL   Format = "TSPL"
	FormatESCPOS Format = "ESC_POS"
	// FormatJSON is a label document for preview and development printers.
	FormatJSON Format = "JSON"
)

// LabelData is one label's worth of business fields. Quantity defaults to 1.
type LabelData struct {
	ID       string         `json:"id,omitempty"`
	Fields   map[string]any `json:"fields"`
	Quantity int            `json:"quantity,omitempty"`
}

type Progress struct {
	Phase          string  `json:"phase"`
	Percentage     float64 `json:"percentage"`
	CompletedItems int     `json:"completed_items"`
	TotalItems     int     `json:"total_items"`
	Message        string  `json:"message,omitempty"`
}

type JobError struct {
	Code            string       `json:"code"`
	Message         string       `json:"message"`
	Timestamp       time.Time    `json:"timestamp"`
	Recoverable     bool         `json:"recoverable"`
	SuggestedAction string       `json:"suggested_action,omitempty"`
	PrinterStatus   PrinterState `json:"printer_status,omitempty"`
}

// OutputInfo describes the compiled payload of a job's last attempt.
type OutputInfo struct {
	Format      Format    `json:"format"`
	Size        int       `json:"size"`
	Checksum    string    `json:"checksum"`
	GeneratedAt time.Time `json:"generated_at"`
}

type Job struct {
	ID                 string             `json:"id"`
	BatchID            string             `json:"batch_id,omitempty"`
	PrinterID          string             `json:"printer_id,omitempty"`
	RequestedPrinterID string             `json:"requested_printer_id,omitempty"`
	LabelProfileID     string             `json:"label_profile_id,omitempty"`
	PinPrinter         bool               `json:"pin_printer,omitempty"`
	Priority           Priority           `json:"priority"`
	Status             JobStatus          `json:"status"`
	Template           *template.Template `json:"template,omitempty"`
	LabelItems         []LabelData        `json:"label_items"`
	RequiredFormat     Format             `json:"required_format,omitempty"`
	Progress           Progress           `json:"progress"`
	RetryCount         int                `json:"retry_count"`
	MaxRetries         int                `json:"max_retries"`
	Dependencies       []string           `json:"dependencies,omitempty"`
	EstimatedDuration  time.Duration      `json:"estimated_duration"`
	ActualDuration     time.Duration      `json:"actual_duration,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	ScheduledAt        *time.Time         `json:"scheduled_at,omitempty"`
	StartedAt          *time.Time         `json:"started_at,omitempty"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
	Output             *OutputInfo        `json:"output,omitempty"`
	ErrorDetails       *JobError          `json:"error_details,omitempty"`
	Metadata           map[string]string  `json:"metadata,omitempty"`
}

// TotalLabels counts label copies across all items.
func (j *Job) TotalLabels() int {
	n := 0
	for _, it := range j.LabelItems {
		if it.Quantity > 0 {
			n += it.Quantity
		} else {
			n++
		}
	}
	return n
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Template = j.Template.Clone()
	out.LabelItems = make([]LabelData, len(j.LabelItems))
	for i, it := range j.LabelItems {
		fields := make(map[string]any, len(it.Fields))
		for k, v := range it.Fields {
			fields[k] = v
		}
		it.Fields = fields
		out.LabelItems[i] = it
	}
	out.Dependencies = append([]string(nil), j.Dependencies...)
	out.ScheduledAt = cloneTime(j.ScheduledAt)
	out.StartedAt = cloneTime(j.StartedAt)
	out.CompletedAt = cloneTime(j.CompletedAt)
	if j.Output != nil {
		o := *j.Output
		out.Output = &o
	}
	if j.ErrorDetails != nil {
		e := *j.ErrorDetails
		out.ErrorDetails = &e
	}
	if j.Metadata != nil {
		out.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// JobSpec is what a caller submits. A nil MaxRetries takes the queue default.
type JobSpec struct {
	PrinterID         string             `json:"printer_id"`
	BatchID           string             `json:"batch_id"`
	LabelProfileID    string             `json:"label_profile_id"`
	PinPrinter        bool               `json:"pin_printer"`
	Priority          Priority           `json:"priority"`
	Template          *template.Template `json:"template"`
	LabelItems        []LabelData        `json:"label_items"`
	RequiredFormat    Format             `json:"required_format"`
	EstimatedDuration time.Duration      `json:"estimated_duration"`
	MaxRetries        *int               `json:"max_retries"`
	Dependencies      []string           `json:"dependencies"`
	ScheduledAt       *time.Time         `json:"scheduled_at"`
	Metadata          map[string]string  `json:"metadata"`
}

type PrinterState string

const (
	PrinterOnline      PrinterState = "online"
	PrinterOffline     PrinterState = "offline"
	PrinterBusy        PrinterState = "busy"
	PrinterError       PrinterState = "error"
	PrinterMaintenance PrinterState = "maintenance"
)

func (s PrinterState) Valid() bool {
	switch s {
	case PrinterOnline, PrinterOffline, PrinterBusy, PrinterError, PrinterMaintenance:
		return true
	}
	return false
}

type Capabilities struct {
	DPI              []int    `json:"dpi,omitempty"`
	MaxLabelWidthMM  float64  `json:"max_label_width_mm,omitempty"`
	MaxLabelHeightMM float64  `json:"max_label_height_mm,omitempty"`
	Formats          []Format `json:"formats,omitempty"`
	Color            bool     `json:"color,omitempty"`
	Cutter           bool     `json:"cutter,omitempty"`
}

type Supplies struct {
	LabelsRemaining int     `json:"labels_remaining,omitempty"`
	RibbonPercent   float64 `json:"ribbon_percent,omitempty"`
	Warning         string  `json:"warning,omitempty"`
}

type Performance struct {
	LabelsPerMinute    float64       `json:"labels_per_minute"`
	AverageJobDuration time.Duration `json:"average_job_duration"`
	TotalJobs          int           `json:"total_jobs"`
	FailedJobs         int           `json:"failed_jobs"`
	ErrorRate          float64       `json:"error_rate"`
}

type Printer struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Address       string       `json:"address,omitempty"`
	Port          int          `json:"port,omitempty"`
	Status        PrinterState `json:"status"`
	CurrentJobID  string       `json:"current_job_id,omitempty"`
	QueueLength   int          `json:"queue_length"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	Capabilities  Capabilities `json:"capabilities"`
	Supplies      Supplies     `json:"supplies"`
	Performance   Performance  `json:"performance"`
	RegisteredAt  time.Time    `json:"registered_at"`
}

func (p *Printer) Clone() *Printer {
	if p == nil {
		return nil
	}
	out := *p
	out.Capabilities.DPI = append([]int(nil), p.Capabilities.DPI...)
	out.Capabilities.Formats = append([]Format(nil), p.Capabilities.Formats...)
	return &out
}

// PrinterUpdate carries the fields of a partial printer update; nil fields
// are left alone.
type PrinterUpdate struct {
	Status       *PrinterState `json:"status,omitempty"`
	Name         *string       `json:"name,omitempty"`
	Address      *string       `json:"address,omitempty"`
	Port         *int          `json:"port,omitempty"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
	Supplies     *Supplies     `json:"supplies,omitempty"`
	Performance  *Performance  `json:"performance,omitempty"`
}

type CompiledOutput struct {
	Format      Format    `json:"format"`
	Data        []byte    `json:"data"`
	Size        int       `json:"size"`
	Checksum    string    `json:"checksum"`
	GeneratedAt time.Time `json:"generated_at"`
}

// NewCompiledOutput fills in size and sha256 checksum for data.
func NewCompiledOutput(format Format, data []byte) *CompiledOutput {
	sum := sha256.Sum256(data)
	return &CompiledOutput{
		Format:      format,
		Data:        data,
		Size:        len(data),
		Checksum:    hex.EncodeToString(sum[:]),
		GeneratedAt: time.Now(),
	}
}

func (o *CompiledOutput) Info() *OutputInfo {
	return &OutputInfo{Format: o.Format, Size: o.Size, Checksum: o.Checksum, GeneratedAt: o.GeneratedAt}
}

// Compiler renders a template and its label items into printer-ready bytes.
// Implementations must honour ctx and must not keep tpl after returning.
type Compiler interface {
	Compile(ctx context.Context, tpl *template.Template, items []LabelData) (*CompiledOutput, error)
}

// FormatCompiler is a Compiler that can also emit a requested format. The
// queue uses it for jobs that set RequiredFormat.
type FormatCompiler interface {
	Compiler
	CompileFormat(ctx context.Context, format Format, tpl *template.Template, items []LabelData) (*CompiledOutput, error)
}

type CompilerFunc func(ctx context.Context, tpl *template.Template, items []LabelData) (*CompiledOutput, error)

func (f CompilerFunc) Compile(ctx context.Context, tpl *template.Template, items []LabelData) (*CompiledOutput, error) {
	return f(ctx, tpl, items)
}

type SendResult struct {
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// Transport pushes bytes to a device. Send must return promptly once ctx is
// cancelled.
type Transport interface {
	Send(ctx context.Context, printerID string, data []byte) (*SendResult, error)
	TestConnection(ctx context.Context, printerID string) bool
}
