package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/gled4er/durabletask"
	"github.com/gled4er/durabletask/internal/logging"
	"github.com/gled4er/durabletask/pkg/model"
	"github.com/gled4er/durabletask/pkg/ports"
)

func newLogger() *slog.Logger {
	return logging.New(slog.LevelInfo)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a worker: lease partitions, dispatch work items, serve HTTP",
	Run: func(cmd *cobra.Command, args []string) {
		svc, cfg, err := buildService(cmd)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := svc.Start(ctx); err != nil {
			fmt.Printf("failed to start service: %v\n", err)
			os.Exit(1)
		}

		port, _ := cmd.Flags().GetString("port")
		srv := &http.Server{Addr: ":" + port, Handler: newRouter(svc)}

		serverErrors := make(chan error, 1)
		go func() {
			fmt.Printf("durabletaskd serving hub %q on %s\n", cfg.TaskHubName, srv.Addr)
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErrors:
			fmt.Printf("server error: %v\n", err)
			os.Exit(1)

		case sig := <-shutdown:
			fmt.Printf("\nshutting down (signal: %v)\n", sig)

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				fmt.Printf("graceful HTTP shutdown did not complete: %v\n", err)
				srv.Close()
			}
			if err := svc.Stop(shutdownCtx); err != nil {
				fmt.Printf("service stop returned an error: %v\n", err)
			}
			fmt.Println("durabletaskd stopped")
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("port", "p", "8080", "Port to listen on")
}

func newRouter(svc *durabletask.Service) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.HandlerFor(svc.Metrics().Gatherer(), promhttp.HandlerOpts{}))

	r.Get("/partitions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(svc.OwnedPartitions())
	})

	r.Get("/orchestrations/{instanceId}", func(w http.ResponseWriter, r *http.Request) {
		instanceID := model.InstanceID(chi.URLParam(r, "instanceId"))
		executionID := model.ExecutionID(r.URL.Query().Get("executionId"))
		allExecutions := r.URL.Query().Get("allExecutions") == "true"
		states, err := svc.GetOrchestrationState(r.Context(), instanceID, executionID, allExecutions)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if len(states) == 0 {
			http.Error(w, "instance not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if allExecutions {
			json.NewEncoder(w).Encode(states)
			return
		}
		json.NewEncoder(w).Encode(states[0])
	})

	r.Get("/orchestrations/{instanceId}/history", func(w http.ResponseWriter, r *http.Request) {
		instanceID := model.InstanceID(chi.URLParam(r, "instanceId"))
		executionID := model.ExecutionID(r.URL.Query().Get("executionId"))
		history, err := svc.GetOrchestrationHistory(r.Context(), instanceID, executionID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(history))
	})

	r.Get("/orchestrations", func(w http.ResponseWriter, r *http.Request) {
		var filter ports.HistoryStateFilter
		if from := r.URL.Query().Get("createdFrom"); from != "" {
			t, err := time.Parse(time.RFC3339, from)
			if err != nil {
				http.Error(w, "invalid createdFrom: "+err.Error(), http.StatusBadRequest)
				return
			}
			filter.CreatedTimeFrom = t
		}
		if to := r.URL.Query().Get("createdTo"); to != "" {
			t, err := time.Parse(time.RFC3339, to)
			if err != nil {
				http.Error(w, "invalid createdTo: "+err.Error(), http.StatusBadRequest)
				return
			}
			filter.CreatedTimeTo = t
		}
		if status := r.URL.Query().Get("status"); status != "" {
			filter.Statuses = []model.OrchestrationStatus{model.OrchestrationStatus(status)}
		}
		states, err := svc.QueryOrchestrationStates(r.Context(), filter)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(states)
	})

	return r
}
