package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/smallnest/checkpointgo/checkpoint"
	"github.com/smallnest/checkpointgo/checkpoint/postgres"
	rediscp "github.com/smallnest/checkpointgo/checkpoint/redis"
	"github.com/smallnest/checkpointgo/checkpoint/sqlite"
)

var rootCmd = &cobra.Command{
	Use:   "checkpointctl",
	Short: "Inspect and manage branching checkpoint histories",
	Long: `checkpointctl connects to a checkpoint store (SQLite, PostgreSQL or Redis)
and lets you inspect thread histories, branches and individual checkpoints.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Connection settings may come from a .env file; missing files are fine.
		_ = godotenv.Load()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("backend", "sqlite", "Store backend: sqlite, postgres or redis")
	rootCmd.PersistentFlags().String("path", "checkpoints.db", "SQLite database path")
	rootCmd.PersistentFlags().String("dsn", "", "PostgreSQL connection string (or CHECKPOINTGO_DSN)")
	rootCmd.PersistentFlags().String("addr", "localhost:6379", "Redis address (or CHECKPOINTGO_REDIS_ADDR)")
	rootCmd.PersistentFlags().String("thread", "", "Thread id")
	rootCmd.PersistentFlags().String("namespace", "", "Thread namespace")
}

// openSaver builds the saver selected by the persistent flags. The returned
// cleanup closes the underlying connection.
func openSaver(cmd *cobra.Command) (checkpoint.Saver, func(), error) {
	backend, _ := cmd.Flags().GetString("backend")
	switch backend {
	case "sqlite":
		path, _ := cmd.Flags().GetString("path")
		saver, err := sqlite.NewSqliteSaver(sqlite.SqliteOptions{Path: path})
		if err != nil {
			return nil, nil, err
		}
		return saver, func() { saver.Close() }, nil
	case "postgres":
		dsn, _ := cmd.Flags().GetString("dsn")
		if dsn == "" {
			dsn = os.Getenv("CHECKPOINTGO_DSN")
		}
		if dsn == "" {
			return nil, nil, fmt.Errorf("postgres backend requires --dsn or CHECKPOINTGO_DSN")
		}
		saver, err := postgres.NewPostgresSaver(cmd.Context(), postgres.PostgresOptions{ConnString: dsn})
		if err != nil {
			return nil, nil, err
		}
		if err := saver.InitSchema(cmd.Context()); err != nil {
			saver.Close()
			return nil, nil, err
		}
		return saver, saver.Close, nil
	case "redis":
		addr, _ := cmd.Flags().GetString("addr")
		if env := os.Getenv("CHECKPOINTGO_REDIS_ADDR"); env != "" {
			addr = env
		}
		saver := rediscp.NewRedisSaver(rediscp.RedisOptions{
			Addr:     addr,
			Password: os.Getenv("CHECKPOINTGO_REDIS_PASSWORD"),
		})
		return saver, func() { saver.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", backend)
	}
}

// threadConfig reads the thread addressing flags; the thread id is required.
func threadConfig(cmd *cobra.Command) (checkpoint.Config, error) {
	threadID, _ := cmd.Flags().GetString("thread")
	if threadID == "" {
		return checkpoint.Config{}, fmt.Errorf("--thread is required")
	}
	namespace, _ := cmd.Flags().GetString("namespace")
	return checkpoint.Config{ThreadID: threadID, Namespace: namespace}, nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}
