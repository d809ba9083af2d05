package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"murmaid/db"
	"murmaid/llm"
	"murmaid/session"
	"murmaid/stt"
	"murmaid/web"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(listDiagramsCmd)

	rootCmd.PersistentFlags().
		String("assemblyai-api-key", "", "AssemblyAI API key")
	rootCmd.PersistentFlags().String("openai-api-key", "", "OpenAI API key")
	rootCmd.PersistentFlags().String("db-path", "murmaid.db", "SQLite database path")
	rootCmd.PersistentFlags().Int("port", 8080, "HTTP server port")

	viper.BindPFlag(
		"assemblyai_api_key",
		rootCmd.PersistentFlags().Lookup("assemblyai-api-key"),
	)
	viper.BindPFlag(
		"openai_api_key",
		rootCmd.PersistentFlags().Lookup("openai-api-key"),
	)
	viper.BindPFlag("db_path", rootCmd.PersistentFlags().Lookup("db-path"))
	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.SetDefault("openai_model", "")
	viper.SetDefault("debounce_ms", 5000)
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stdout)
}

var rootCmd = &cobra.Command{
	Use:   "murmaid",
	Short: "Murmaid turns live speech into Mermaid diagrams",
	Long:  `Murmaid streams microphone audio over a WebSocket, transcribes it with AssemblyAI, and keeps a Mermaid diagram in sync with what you say.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the WebSocket and HTTP server",
	Run:   runServe,
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactively configure API keys",
	Run: func(cmd *cobra.Command, args []string) {
		RunSetup()
	},
}

var listDiagramsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List diagrams in a table",
	Run:   runListDiagrams,
}

func runServe(cmd *cobra.Command, args []string) {
	mainLogger, earsLogger, drawLogger, dataLogger, webLogger := createLoggers()

	assemblyAIKey := viper.GetString("assemblyai_api_key")
	if assemblyAIKey == "" {
		mainLogger.Fatal("missing ASSEMBLYAI_API_KEY or --assemblyai-api-key=")
	}

	openaiAPIKey := viper.GetString("openai_api_key")
	if openaiAPIKey == "" {
		mainLogger.Fatal("missing OPENAI_API_KEY or --openai-api-key=")
	}

	database, err := db.Open(viper.GetString("db_path"), dataLogger)
	if err != nil {
		mainLogger.Fatal("open database", "error", err.Error())
	}
	defer database.Close()

	transcriber := stt.NewClient(stt.Config{
		APIKey:      assemblyAIKey,
		FormatTurns: true,
	}, earsLogger)
	generator := llm.NewOpenAIGenerator(
		openaiAPIKey,
		viper.GetString("openai_model"),
		drawLogger,
	)
	registry := session.NewRegistry(mainLogger)

	debounce := time.Duration(viper.GetInt("debounce_ms")) * time.Millisecond

	server := web.NewServer(
		database,
		registry,
		session.TranscriberFunc(
			func(ctx context.Context) (session.Stream, error) {
				return transcriber.Start(ctx)
			}),
		generator,
		debounce,
		webLogger,
	)

	go func() {
		if err := server.Serve(viper.GetInt("port")); err != nil {
			mainLogger.Fatal("start server", "error", err.Error())
		}
	}()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc
	mainLogger.Info("shutting down")
}

func runListDiagrams(cmd *cobra.Command, args []string) {
	mainLogger, _, _, dataLogger, _ := createLoggers()

	database, err := db.Open(viper.GetString("db_path"), dataLogger)
	if err != nil {
		mainLogger.Fatal("open database", "error", err.Error())
	}
	defer database.Close()

	diagrams, err := database.ListDiagrams(cmd.Context())
	if err != nil {
		mainLogger.Fatal("fetch diagrams", "error", err.Error())
	}

	if len(diagrams) == 0 {
		fmt.Println("No diagrams found.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Title", "Created At"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, d := range diagrams {
		table.Append([]string{
			d.ID,
			d.Title,
			d.CreatedAt.Format("2006-01-02 15:04:05"),
		})
	}

	table.Render()
}

func createLoggers() (mainLogger, earsLogger, drawLogger, dataLogger, webLogger *log.Logger) {
	logLevel := log.DebugLevel

	logger.SetLevel(logLevel)
	logger.SetReportCaller(true)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	mainLogger = logger.With().WithPrefix("main")
	earsLogger = logger.With().WithPrefix("ears")
	drawLogger = logger.With().WithPrefix("draw")
	dataLogger = logger.With().WithPrefix("data")
	webLogger = logger.With().WithPrefix("web")

	return
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
