package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	. "tbk/tapehardware"
	. "tbk/utils"
)

var listenAddress string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve drive status and operations over http",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		address := a.config.Listen
		if listenAddress != "" {
			address = listenAddress
		}
		ctx, stop := interruptContext()
		defer stop()
		return serve(ctx, address, newServer(a.drives, a.aliases, a.logger))
	},
}

type server struct {
	drives  map[string]*TapeDrive
	aliases []string
	logger  *Logger
}

func newServer(drives map[string]*TapeDrive, aliases []string, logger *Logger) *server {
	return &server{drives: drives, aliases: aliases, logger: logger}
}

// routes returns the handler for the status api. Status codes follow the
// drive state: 200 when idle, 202 while a command runs, 500 on error.
func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", healthCheckHandler)
	mux.HandleFunc("GET /health", healthCheckHandler)
	mux.HandleFunc("GET /healthz", healthCheckHandler)
	mux.HandleFunc("GET /drives", s.listDrives)
	mux.HandleFunc("GET /drives/{alias}", s.driveDetail)
	mux.HandleFunc("GET /drives/{alias}/status", s.driveStatus)
	mux.HandleFunc("POST /drives/{alias}/{operation}", s.driveOperation)
	return mux
}

// healthCheckHandler responds with 200 OK for health checks
func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *server) listDrives(w http.ResponseWriter, r *http.Request) {
	summaries := []StatusSummary{}
	for _, alias := range s.aliases {
		summaries = append(summaries, s.drives[alias].Status())
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *server) drive(w http.ResponseWriter, r *http.Request) (*TapeDrive, bool) {
	drive, ok := s.drives[r.PathValue("alias")]
	if !ok {
		writeError(w, ErrNotFound.WithMessagef("no drive %q", r.PathValue("alias")))
	}
	return drive, ok
}

func (s *server) driveDetail(w http.ResponseWriter, r *http.Request) {
	drive, ok := s.drive(w, r)
	if !ok {
		return
	}
	drive.Refresh()
	detail := drive.Detail()
	writeJSON(w, HTTPStatus(detail.State), detail)
}

func (s *server) driveStatus(w http.ResponseWriter, r *http.Request) {
	drive, ok := s.drive(w, r)
	if !ok {
		return
	}
	status := drive.Status()
	writeJSON(w, HTTPStatus(status.State), status)
}

func (s *server) driveOperation(w http.ResponseWriter, r *http.Request) {
	drive, ok := s.drive(w, r)
	if !ok {
		return
	}
	drive.Refresh()
	var err error
	switch operation := r.PathValue("operation"); operation {
	case "rewind":
		err = drive.Rewind()
	case "eject":
		err = drive.Eject()
	case "clear":
		drive.ClearError()
	case "cancel":
		err = drive.CancelOperation()
	default:
		err = ErrNotFound.WithMessagef("no operation %q", operation)
	}
	if err != nil {
		s.logger.Error(drive.Alias(), ": ", r.PathValue("operation"), " rejected: ", err)
		writeError(w, err)
		return
	}
	status := drive.Status()
	writeJSON(w, HTTPStatus(status.State), status)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, HTTPStatusForError(err), errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// serve runs until ctx is cancelled and then shuts down gracefully
func serve(ctx context.Context, address string, s *server) error {
	srv := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		s.logger.Event("Serving drive status on ", address)
		errs <- srv.ListenAndServe()
	}()
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func init() {
	serveCmd.Flags().StringVar(&listenAddress, "listen", "", "address to listen on, overrides listen of the configuration")
	rootCmd.AddCommand(serveCmd)
}
