package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/paleobytes/ptmrig/generichttp/rigctl"
	"github.com/paleobytes/ptmrig/server/middleware/locker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve the rig over HTTP",
	Long: `run serves the rig's controls over HTTP at Addr, with prometheus metrics at
/metrics and a list of routes at /endpoints.  POST /lock {"bool": true} makes
the rig read-only to other clients until it is unlocked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rg, err := newRig(prometheus.DefaultRegisterer)
		if err != nil {
			return err
		}
		h := rigctl.NewHTTPRig(rg)
		lk := locker.New()
		locker.Inject(h, lk)

		root := chi.NewRouter()
		root.Use(middleware.Logger)
		root.Handle("/metrics", promhttp.Handler())
		root.Group(func(r chi.Router) {
			r.Use(lk.Check)
			h.RT().Bind(r)
		})

		srv := &http.Server{Addr: cfg.Addr, Handler: root}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		go func() {
			<-ctx.Done()
			log.Println("shutting down, stopping any session")
			rg.Stop()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()

		log.Println("now listening for requests at ", cfg.Addr)
		err = srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
