package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"plan_sync/client/chat/app"
	cmnenv "plan_sync/client/common/env"
	commonlog "plan_sync/client/common/log"
)

var rootCmd = &cobra.Command{
	Use:   "plansync",
	Short: "Real-time sync agent for plan chat rooms, notifications and plan state",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return cmnenv.Load(flagEnvFiles...)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent and its local bridge API",
	RunE:  runAgent,
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "Refresh the room list once and print it as JSON",
	RunE:  printRooms,
}

var (
	flagEnvFiles []string
	flagPort     string
	flagStorage  string
	flagAPI      []string
	flagWSBase   string
	flagUseMQ    bool
)

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&flagEnvFiles, "env-file", nil, "dotenv file(s) to load before reading the environment")
	flags := runCmd.Flags()
	flags.StringVar(&flagPort, "port", "", "bridge port (env BRIDGE_PORT)")
	flags.StringVar(&flagStorage, "storage", "", "storage driver: file, redis or memory (env STORAGE_DRIVER)")
	flags.StringSliceVar(&flagAPI, "api", nil, "REST endpoint(s) (env API_ENDPOINTS/API_BASE)")
	flags.StringVar(&flagWSBase, "ws-base", "", "websocket origin (env WS_BASE)")
	flags.BoolVar(&flagUseMQ, "use-mq", false, "publish state changes to AMQP (env USE_MQ)")
	rootCmd.AddCommand(runCmd, roomsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		commonlog.Errorf("event=cli action=execute status=failed error=%v", err)
		os.Exit(1)
	}
}

func configFromFlags(cmd *cobra.Command) app.Config {
	cfg := app.LoadConfig()
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.BridgePort = flagPort
	}
	if flags.Changed("storage") {
		cfg.StorageDriver = flagStorage
	}
	if flags.Changed("api") && len(flagAPI) > 0 {
		cfg.APIEndpoints = flagAPI
	}
	if flags.Changed("ws-base") {
		cfg.WSBase = flagWSBase
	}
	if flags.Changed("use-mq") {
		cfg.UseMQ = flagUseMQ
	}
	return cfg
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg := configFromFlags(cmd)
	server, err := app.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("initialize agent: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	go func() {
		commonlog.Infof("event=bridge action=listen status=ok addr=%s", server.HTTPServer.Addr)
		if err := server.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			commonlog.Errorf("event=bridge action=listen status=failed error=%v", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		commonlog.Warnf("event=agent action=shutdown status=failed error=%v", err)
	}
	return nil
}

func printRooms(cmd *cobra.Command, args []string) error {
	cfg := configFromFlags(cmd)
	cfg.UseMQ = false
	server, err := app.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("initialize agent: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	if err := server.Notifications.Refresh(ctx); err != nil {
		commonlog.Warnf("event=cli action=refresh_notifications status=failed error=%v", err)
	}
	if err := server.Rooms.RefreshRooms(ctx); err != nil {
		commonlog.Warnf("event=cli action=refresh_rooms status=failed error=%v", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(server.Rooms.Snapshot().Rooms)
}
