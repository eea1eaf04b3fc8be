// Package cli implements the CLI surface of SPEC_FULL.md §4.O: a single
// `serve --port N` command wiring the substrate, persistence, room
// manager, registry, and HTTP surface (components A, K, I, N, M) into a
// runnable server, per spec.md §6's exit-code and environment-variable
// contract. Grounded on the teacher's cobra/viper flag-then-env-then-
// default precedence (formerly in this same file's runServer), kept for
// this command's own configuration instead of a RabbitMQ/CouchDB flow
// service.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Leftium/epicenter-sub001/config"
	httpsurface "github.com/Leftium/epicenter-sub001/http"
	"github.com/Leftium/epicenter-sub001/persistence"
	"github.com/Leftium/epicenter-sub001/registry"
	"github.com/Leftium/epicenter-sub001/room"
	"github.com/Leftium/epicenter-sub001/schema"
	"github.com/Leftium/epicenter-sub001/substrate"
	"github.com/Leftium/epicenter-sub001/workspace"
)

// ExitConfig, ExitIO, and ExitOK are the process exit codes spec.md §6
// reserves for the CLI surface.
const (
	ExitOK     = 0
	ExitConfig = 1
	ExitIO     = 2
)

var cfgFile string

// RootCmd is the top-level command; `serve` is its only subcommand, per
// spec.md §6's "CLI surface (relevant flags only)".
var RootCmd = &cobra.Command{
	Use:   "epicenter",
	Short: "embeddable local-first workspace engine server",
	Long: `epicenter serves the workspace engine's sync protocol and auto-derived
CRUD surface over HTTP/WebSocket. Workspace ids are auto-discovered from
the registry (when --postgres-dsn is set) or accepted ad hoc otherwise.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the HTTP/WS server",
	Run:   runServe,
}

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.epicenter.yaml)")

	serveCmd.Flags().Int("port", 0, "HTTP/WS server port (default 8080; PORT env overrides when flag absent)")
	serveCmd.Flags().String("bolt-path", "epicenter.db", "bbolt database file backing workspace persistence")
	serveCmd.Flags().String("postgres-dsn", "", "Postgres DSN for the known-workspace registry (used by --registered-only)")
	serveCmd.Flags().Bool("registered-only", false, "reject workspace ids absent from the registry (requires --postgres-dsn)")
	serveCmd.Flags().String("api-key", "", "when set, require this value in the X-API-Key header on every request")

	viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("bolt_path", serveCmd.Flags().Lookup("bolt-path"))
	viper.BindPFlag("postgres_dsn", serveCmd.Flags().Lookup("postgres-dsn"))
	viper.BindPFlag("registered_only", serveCmd.Flags().Lookup("registered-only"))
	viper.BindPFlag("api_key", serveCmd.Flags().Lookup("api-key"))

	RootCmd.AddCommand(serveCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".epicenter")
	}
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

// resolvedPort applies spec.md §6's precedence: --port flag, then PORT
// env var "when absent", then the 8080 default.
func resolvedPort() int {
	if p := viper.GetInt("port"); p != 0 {
		return p
	}
	if p := os.Getenv("PORT"); p != "" {
		var parsed int
		if _, err := fmt.Sscanf(p, "%d", &parsed); err == nil && parsed > 0 {
			return parsed
		}
	}
	return 8080
}

// demoDefinition is the single built-in workspace schema the server
// exposes; real embedders register their own definitions through the
// workspace package directly rather than through this CLI, which only
// demonstrates component M's CRUD auto-derivation end to end.
func demoDefinition(id string) (workspace.Definition, error) {
	postsV1 := schema.TableDefinition{
		ID:   "posts",
		Name: "Posts",
		Fields: []schema.FieldDef{
			{ID: "id", Type: schema.FieldText},
			{ID: "title", Type: schema.FieldText},
		},
	}
	vs, err := schema.NewBuilder().AddVersion("", postsV1).Build(nil)
	if err != nil {
		return workspace.Definition{}, err
	}
	return workspace.Definition{
		ID:     id,
		Tables: map[string]*schema.VersionedSchema{"posts": vs},
		KV:     schema.KVDefinition{Fields: map[string]schema.FieldDef{}},
	}, nil
}

func runServe(cmd *cobra.Command, args []string) {
	log := logrus.WithField("component", "cli")
	port := resolvedPort()

	boltPath := viper.GetString("bolt_path")
	hub, err := persistence.OpenBoltHub(boltPath)
	if err != nil {
		log.WithError(err).Error("open bolt persistence store")
		os.Exit(ExitIO)
	}
	defer hub.Close()

	roomCfg := config.LoadRoomConfig("EPICENTER_ROOM")
	roomOpts := []room.Option{
		room.WithPingInterval(roomCfg.PingInterval),
		room.WithEvictAfter(roomCfg.EvictAfter),
	}
	if dsn := viper.GetString("postgres_dsn"); dsn != "" {
		reg, err := registry.Open(dsn)
		if err != nil {
			log.WithError(err).Error("open workspace registry")
			os.Exit(ExitIO)
		}
		defer reg.Close()
		roomOpts = append(roomOpts, room.WithPolicy(reg.AllowUnregisteredAs(viper.GetBool("registered_only"))))
	}

	substrateCfg := config.LoadSubstrateConfig("EPICENTER_SUBSTRATE")
	docs := newDocRegistry(hub, substrateCfg)
	manager := room.NewManager(docs.get, roomOpts...)

	serverCfg := httpsurface.DefaultServerConfig()
	serverCfg.Port = port
	serverCfg.APIKey = viper.GetString("api_key")
	e := httpsurface.NewEchoServer(serverCfg)
	e.GET("/healthz", httpsurface.HealthCheckHandlerWithDetails("epicenter", "", func() map[string]any {
		return map[string]any{"rooms": manager.RoomCount()}
	}))

	def, err := demoDefinition("default")
	if err != nil {
		log.WithError(err).Error("build demo workspace definition")
		os.Exit(ExitConfig)
	}
	doc, err := docs.get(context.Background(), def.ID)
	if err != nil {
		log.WithError(err).Error("open demo workspace substrate")
		os.Exit(ExitIO)
	}
	builder, err := workspace.New(def, doc)
	if err != nil {
		log.WithError(err).Error("assemble demo workspace")
		os.Exit(ExitConfig)
	}
	client := builder.WithActions(func(*workspace.Client) map[string]any { return nil })
	httpsurface.RegisterWorkspace(e, client, manager, websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }})

	go func() {
		log.WithField("port", port).Info("starting server")
		if err := httpsurface.StartServer(e, serverCfg); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("server stopped unexpectedly")
			os.Exit(ExitIO)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	if err := httpsurface.GracefulShutdown(e, serverCfg.ShutdownTimeout); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
		os.Exit(ExitIO)
	}
	ctx, cancel := context.WithTimeout(context.Background(), serverCfg.ShutdownTimeout)
	defer cancel()
	if err := client.Destroy(ctx); err != nil {
		log.WithError(err).Error("workspace destroy failed")
	}
}

// docRegistry lazily opens one substrate.Doc per workspace id, restoring
// it from persistence on first access and persisting every local update
// thereafter (spec.md §6 "Persisted state layout"). room.Manager invokes
// get as its DocProvider from whichever goroutine accepts the first
// connection for a workspace id, outside room.Manager's own lock, so
// docs needs its own mutex to guard concurrent first-connections to two
// different workspace ids.
type docRegistry struct {
	hub          *persistence.BoltHub
	substrateCfg config.SubstrateConfig

	mu   sync.Mutex
	docs map[string]substrate.DocSubstrate
}

func newDocRegistry(hub *persistence.BoltHub, substrateCfg config.SubstrateConfig) *docRegistry {
	return &docRegistry{hub: hub, substrateCfg: substrateCfg, docs: make(map[string]substrate.DocSubstrate)}
}

func (r *docRegistry) get(ctx context.Context, workspaceID string) (substrate.DocSubstrate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.docs[workspaceID]; ok {
		return d, nil
	}
	adapter, err := r.hub.Adapter(workspaceID)
	if err != nil {
		return nil, fmt.Errorf("cli: open persistence for %s: %w", workspaceID, err)
	}
	doc := substrate.NewDoc(substrate.WithGC(r.substrateCfg.GCEnabled))
	if blob, found, err := adapter.Load(ctx); err != nil {
		return nil, fmt.Errorf("cli: load %s: %w", workspaceID, err)
	} else if found {
		if err := doc.ApplyUpdate(blob, nil); err != nil {
			return nil, fmt.Errorf("cli: apply stored update for %s: %w", workspaceID, err)
		}
	}
	doc.OnUpdate(func(update []byte, origin any, txn substrate.Txn) {
		if err := adapter.Save(context.Background(), update); err != nil {
			logrus.WithError(err).WithField("workspace", workspaceID).Warn("persist update failed")
		}
	})
	r.docs[workspaceID] = doc
	return doc, nil
}
