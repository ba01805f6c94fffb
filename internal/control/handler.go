// Package control implements the controller RPC: one command dispatcher
// shared by the MQTT and TCP transports, plus notification delivery.
package control

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/avswitch/internal/cases"
	"github.com/e7canasta/avswitch/internal/metrics"
	"github.com/e7canasta/avswitch/internal/server"
)

// Command names.
const (
	CmdGetComposePort   = "get_compose_port"
	CmdGetEncodePort    = "get_encode_port"
	CmdGetAudioPort     = "get_audio_port"
	CmdGetPreviewPorts  = "get_preview_ports"
	CmdSetCompositeMode = "set_composite_mode"
	CmdSwitch           = "switch"
	CmdAdjustPIP        = "adjust_pip"
	CmdNewRecord        = "new_record"
	CmdGetStatus        = "get_status"
	CmdGetCases         = "get_cases"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ErrMissingParam is returned when a command lacks a required parameter.
var ErrMissingParam = errors.New("control: missing parameter")

// Command is a control request.
type Command struct {
	ID      string                 `json:"id,omitempty"`
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response answers a Command.
type Response struct {
	ID         string                 `json:"id,omitempty"`
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// Callbacks connect commands to the switch server.
type Callbacks struct {
	OnGetComposePort   func() int
	OnGetEncodePort    func() int
	OnGetAudioPort     func() int
	OnGetPreviewPorts  func() []server.PreviewPort
	OnSetCompositeMode func(mode int) bool
	OnSwitch           func(channel rune, port int) error
	OnAdjustPIP        func(dx, dy, dw, dh int) uint
	OnNewRecord        func() bool
	OnGetStatus        func() server.Status
	OnGetCases         func() []cases.Info
}

// Handler dispatches control commands.
type Handler struct {
	callbacks Callbacks
	metrics   *metrics.Metrics
}

// NewHandler creates a command dispatcher.
func NewHandler(callbacks Callbacks, m *metrics.Metrics) *Handler {
	return &Handler{callbacks: callbacks, metrics: m}
}

// Dispatch executes cmd and returns its response.
func (h *Handler) Dispatch(cmd Command) Response {
	resp := h.dispatch(cmd)
	resp.ID = cmd.ID
	resp.CommandAck = cmd.Command
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	h.metrics.IncControlCommands(cmd.Command, resp.Status)
	if resp.Status == StatusError {
		slog.Warn("control: command failed", "command", cmd.Command, "error", resp.Error)
	} else {
		slog.Debug("control: command handled", "command", cmd.Command)
	}
	return resp
}

func (h *Handler) dispatch(cmd Command) Response {
	cb := h.callbacks

	switch cmd.Command {
	case CmdGetComposePort:
		if cb.OnGetComposePort == nil {
			return notImplemented(cmd)
		}
		return success(map[string]interface{}{"port": cb.OnGetComposePort()})

	case CmdGetEncodePort:
		if cb.OnGetEncodePort == nil {
			return notImplemented(cmd)
		}
		return success(map[string]interface{}{"port": cb.OnGetEncodePort()})

	case CmdGetAudioPort:
		if cb.OnGetAudioPort == nil {
			return notImplemented(cmd)
		}
		return success(map[string]interface{}{"port": cb.OnGetAudioPort()})

	case CmdGetPreviewPorts:
		if cb.OnGetPreviewPorts == nil {
			return notImplemented(cmd)
		}
		ports := cb.OnGetPreviewPorts()
		if ports == nil {
			ports = []server.PreviewPort{}
		}
		return success(map[string]interface{}{"ports": ports})

	case CmdSetCompositeMode:
		if cb.OnSetCompositeMode == nil {
			return notImplemented(cmd)
		}
		mode, err := intParam(cmd.Params, "mode")
		if err != nil {
			return failure(err)
		}
		return success(map[string]interface{}{"result": cb.OnSetCompositeMode(mode)})

	case CmdSwitch:
		if cb.OnSwitch == nil {
			return notImplemented(cmd)
		}
		channel, err := channelParam(cmd.Params, "channel")
		if err != nil {
			return failure(err)
		}
		port, err := intParam(cmd.Params, "port")
		if err != nil {
			return failure(err)
		}
		if err := cb.OnSwitch(channel, port); err != nil {
			return failure(err)
		}
		return success(map[string]interface{}{"result": true})

	case CmdAdjustPIP:
		if cb.OnAdjustPIP == nil {
			return notImplemented(cmd)
		}
		var d [4]int
		for i, key := range []string{"dx", "dy", "dw", "dh"} {
			v, err := intParam(cmd.Params, key)
			if err != nil && !errors.Is(err, ErrMissingParam) {
				return failure(err)
			}
			d[i] = v
		}
		return success(map[string]interface{}{"result": cb.OnAdjustPIP(d[0], d[1], d[2], d[3])})

	case CmdNewRecord:
		if cb.OnNewRecord == nil {
			return notImplemented(cmd)
		}
		return success(map[string]interface{}{"result": cb.OnNewRecord()})

	case CmdGetStatus:
		if cb.OnGetStatus == nil {
			return notImplemented(cmd)
		}
		return success(map[string]interface{}{"status": cb.OnGetStatus()})

	case CmdGetCases:
		if cb.OnGetCases == nil {
			return notImplemented(cmd)
		}
		return success(map[string]interface{}{"cases": cb.OnGetCases()})

	default:
		return Response{Status: StatusError, Error: fmt.Sprintf("unknown command: %s", cmd.Command)}
	}
}

func success(data map[string]interface{}) Response {
	return Response{Status: StatusSuccess, Data: data}
}

func failure(err error) Response {
	return Response{Status: StatusError, Error: err.Error()}
}

func notImplemented(cmd Command) Response {
	return Response{Status: StatusError, Error: cmd.Command + " not implemented"}
}

// intParam reads an integer parameter. JSON decodes numbers as float64 and
// msgpack as any sized integer; all are accepted.
func intParam(params map[string]interface{}, key string) (int, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: %s", ErrMissingParam, key)
	}

	switch n := v.(type) {
	case int:
		return n, nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float32:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("control: parameter %s: %v is not an integer", key, n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("control: parameter %s: unexpected type %T", key, v)
	}
}

// channelParam reads a channel given either as a one-letter string ("A")
// or as its character code (65).
func channelParam(params map[string]interface{}, key string) (rune, error) {
	if s, ok := params[key].(string); ok {
		r := []rune(s)
		if len(r) != 1 {
			return 0, fmt.Errorf("control: parameter %s: %q is not a channel", key, s)
		}
		return r[0], nil
	}
	n, err := intParam(params, key)
	if err != nil {
		return 0, err
	}
	return rune(n), nil
}
