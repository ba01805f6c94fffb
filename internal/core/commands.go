package core

import (
	"github.com/e7canasta/avswitch/internal/composite"
	"github.com/e7canasta/avswitch/internal/control"
)

// callbacks binds control commands to the switch server.
func (a *AVSwitch) callbacks() control.Callbacks {
	srv := a.server
	return control.Callbacks{
		OnGetComposePort:  srv.ComposePort,
		OnGetEncodePort:   srv.EncodePort,
		OnGetAudioPort:    srv.AudioPort,
		OnGetPreviewPorts: srv.PreviewPorts,
		OnSetCompositeMode: func(mode int) bool {
			return srv.SetCompositeMode(composite.Mode(mode))
		},
		OnSwitch:    srv.Switch,
		OnAdjustPIP: srv.AdjustPIP,
		OnNewRecord: srv.NewRecord,
		OnGetStatus: srv.Status,
		OnGetCases:  srv.Cases,
	}
}
