package main

import (
	"context"

	"github.com/cyberinferno/clustersync/admin"
	"github.com/cyberinferno/clustersync/logger"
	"github.com/cyberinferno/clustersync/session"
)

// registerBuiltins installs the commands a headless server understands.
// They run on the frame loop goroutine, like every other dispatch.
func registerBuiltins(r *admin.Registry, server *session.Server, render *session.LogRenderer, log logger.Logger) {
	r.MustRegister(admin.Command{
		Name: "say",
		Help: "say <text>: write text to the server log",
		Args: []admin.Kind{admin.String},
		Run: func(_ context.Context, args admin.Args) error {
			log.Info("coordinator says", logger.Field{Key: "text", Value: args.String(0)})
			return nil
		},
	})

	r.MustRegister(admin.Command{
		Name: "select",
		Help: "select <bool>: toggle whether an object is selected",
		Args: []admin.Kind{admin.Bool},
		Run: func(_ context.Context, args admin.Args) error {
			render.Selected = args.Bool(0)
			return nil
		},
	})

	r.MustRegister(admin.Command{
		Name: "status",
		Help: "status: log the session state",
		Run: func(_ context.Context, _ admin.Args) error {
			st := server.Session()
			log.Info("session status",
				logger.Field{Key: "state", Value: server.State().String()},
				logger.Field{Key: "mode", Value: st.Mode.String()},
				logger.Field{Key: "dispatched", Value: st.Dispatched},
				logger.Field{Key: "swaps", Value: st.Swaps},
				logger.Field{Key: "last_seq", Value: st.LastSequence},
			)
			return nil
		},
	})

	r.MustRegister(admin.Command{
		Name: "help",
		Help: "help: list commands",
		Run: func(_ context.Context, _ admin.Args) error {
			log.Info("admin commands", logger.Field{Key: "names", Value: r.Names()})
			return nil
		},
	})
}
