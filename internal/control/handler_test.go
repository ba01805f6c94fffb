package control

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/avswitch/internal/cases"
	"github.com/e7canasta/avswitch/internal/server"
)

type recorder struct {
	mode    int
	channel rune
	port    int
	pip     [4]int
}

func testCallbacks(r *recorder) Callbacks {
	return Callbacks{
		OnGetComposePort: func() int { return 3001 },
		OnGetEncodePort:  func() int { return 3002 },
		OnGetAudioPort:   func() int { return 3005 },
		OnGetPreviewPorts: func() []server.PreviewPort {
			return []server.PreviewPort{{Port: 3003, Serve: "video", Type: "branch_a"}}
		},
		OnSetCompositeMode: func(mode int) bool {
			r.mode = mode
			return mode != 3
		},
		OnSwitch: func(channel rune, port int) error {
			r.channel, r.port = channel, port
			if port == 1 {
				return server.ErrNoStreamOnPort
			}
			return nil
		},
		OnAdjustPIP: func(dx, dy, dw, dh int) uint {
			r.pip = [4]int{dx, dy, dw, dh}
			return 1 | 2
		},
		OnNewRecord: func() bool { return true },
		OnGetStatus: func() server.Status { return server.Status{Ready: true, Mode: 3} },
		OnGetCases:  func() []cases.Info { return []cases.Info{{Name: "case-1"}} },
	}
}

func TestHandler_Dispatch(t *testing.T) {
	testCases := []struct {
		name       string
		cmd        Command
		wantStatus string
		wantData   map[string]interface{}
		wantErr    string
	}{
		{
			name:       "compose_port",
			cmd:        Command{Command: CmdGetComposePort},
			wantStatus: StatusSuccess,
			wantData:   map[string]interface{}{"port": 3001},
		},
		{
			name:       "encode_port",
			cmd:        Command{Command: CmdGetEncodePort},
			wantStatus: StatusSuccess,
			wantData:   map[string]interface{}{"port": 3002},
		},
		{
			name:       "audio_port",
			cmd:        Command{Command: CmdGetAudioPort},
			wantStatus: StatusSuccess,
			wantData:   map[string]interface{}{"port": 3005},
		},
		{
			name:       "set_mode_accepted",
			cmd:        Command{Command: CmdSetCompositeMode, Params: map[string]interface{}{"mode": float64(1)}},
			wantStatus: StatusSuccess,
			wantData:   map[string]interface{}{"result": true},
		},
		{
			name:       "set_mode_rejected",
			cmd:        Command{Command: CmdSetCompositeMode, Params: map[string]interface{}{"mode": int64(3)}},
			wantStatus: StatusSuccess,
			wantData:   map[string]interface{}{"result": false},
		},
		{
			name:       "set_mode_missing",
			cmd:        Command{Command: CmdSetCompositeMode},
			wantStatus: StatusError,
			wantErr:    "missing parameter: mode",
		},
		{
			name:       "set_mode_fractional",
			cmd:        Command{Command: CmdSetCompositeMode, Params: map[string]interface{}{"mode": 1.5}},
			wantStatus: StatusError,
			wantErr:    "not an integer",
		},
		{
			name:       "switch",
			cmd:        Command{Command: CmdSwitch, Params: map[string]interface{}{"channel": "B", "port": uint16(3004)}},
			wantStatus: StatusSuccess,
			wantData:   map[string]interface{}{"result": true},
		},
		{
			name:       "switch_failure",
			cmd:        Command{Command: CmdSwitch, Params: map[string]interface{}{"channel": float64('A'), "port": 1}},
			wantStatus: StatusError,
			wantErr:    "no stream on port",
		},
		{
			name:       "switch_bad_channel",
			cmd:        Command{Command: CmdSwitch, Params: map[string]interface{}{"channel": "AB", "port": 1}},
			wantStatus: StatusError,
			wantErr:    "is not a channel",
		},
		{
			name:       "adjust_pip",
			cmd:        Command{Command: CmdAdjustPIP, Params: map[string]interface{}{"dx": int8(-5), "dy": 7}},
			wantStatus: StatusSuccess,
			wantData:   map[string]interface{}{"result": uint(3)},
		},
		{
			name:       "new_record",
			cmd:        Command{Command: CmdNewRecord},
			wantStatus: StatusSuccess,
			wantData:   map[string]interface{}{"result": true},
		},
		{
			name:       "unknown",
			cmd:        Command{Command: "reboot"},
			wantStatus: StatusError,
			wantErr:    "unknown command: reboot",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(testCallbacks(&recorder{}), nil)
			tc.cmd.ID = "req-" + tc.name

			resp := h.Dispatch(tc.cmd)

			assert.Equal(t, tc.cmd.Command, resp.CommandAck)
			assert.Equal(t, tc.cmd.ID, resp.ID)
			assert.Equal(t, tc.wantStatus, resp.Status)
			assert.NotEmpty(t, resp.Timestamp)
			if tc.wantErr != "" {
				assert.Contains(t, resp.Error, tc.wantErr)
				return
			}
			assert.Equal(t, tc.wantData, resp.Data)
		})
	}
}

func TestHandler_PassesParameters(t *testing.T) {
	r := &recorder{}
	h := NewHandler(testCallbacks(r), nil)

	h.Dispatch(Command{Command: CmdSwitch, Params: map[string]interface{}{"channel": "a", "port": 4001}})
	assert.Equal(t, 'a', r.channel)
	assert.Equal(t, 4001, r.port)

	h.Dispatch(Command{Command: CmdAdjustPIP, Params: map[string]interface{}{"dw": 10, "dh": -10}})
	assert.Equal(t, [4]int{0, 0, 10, -10}, r.pip)

	h.Dispatch(Command{Command: CmdSetCompositeMode, Params: map[string]interface{}{"mode": uint8(2)}})
	assert.Equal(t, 2, r.mode)
}

func TestHandler_Queries(t *testing.T) {
	h := NewHandler(testCallbacks(&recorder{}), nil)

	resp := h.Dispatch(Command{Command: CmdGetPreviewPorts})
	require.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, []server.PreviewPort{{Port: 3003, Serve: "video", Type: "branch_a"}}, resp.Data["ports"])

	resp = h.Dispatch(Command{Command: CmdGetStatus})
	require.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, server.Status{Ready: true, Mode: 3}, resp.Data["status"])

	resp = h.Dispatch(Command{Command: CmdGetCases})
	require.Equal(t, StatusSuccess, resp.Status)
	assert.Len(t, resp.Data["cases"], 1)
}

func TestHandler_NotImplemented(t *testing.T) {
	h := NewHandler(Callbacks{}, nil)

	for _, name := range []string{
		CmdGetComposePort, CmdGetEncodePort, CmdGetAudioPort, CmdGetPreviewPorts,
		CmdSetCompositeMode, CmdSwitch, CmdAdjustPIP, CmdNewRecord, CmdGetStatus, CmdGetCases,
	} {
		resp := h.Dispatch(Command{Command: name})
		assert.Equal(t, StatusError, resp.Status, name)
		assert.Equal(t, name+" not implemented", resp.Error)
	}
}

func TestIntParam(t *testing.T) {
	_, err := intParam(nil, "port")
	assert.True(t, errors.Is(err, ErrMissingParam))

	_, err = intParam(map[string]interface{}{"port": "3001"}, "port")
	assert.ErrorContains(t, err, "unexpected type string")
}
