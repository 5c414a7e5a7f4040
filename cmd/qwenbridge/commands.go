package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/qwenbridge/internal/api"
	"github.com/kalambet/qwenbridge/internal/config"
	"github.com/kalambet/qwenbridge/internal/storage"
	"github.com/kalambet/qwenbridge/internal/translate"
)

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	Long: `Serve the list_models and chat tools over the MCP stdio transport.

Register it with an MCP client, for example:
  {"command": "qwenbridge", "args": ["mcp"]}`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		return server.ServeStdio(api.NewMCPServer(api.MCPDeps{Service: a.service, Version: version}))
	},
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models available through the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		return listModels(cmd.Context(), client, asJSON)
	},
}

func init() {
	modelsCmd.Flags().Bool("json", false, "print the raw model list")
}

func listModels(ctx context.Context, client *apiClient, asJSON bool) error {
	resp, err := client.get(ctx, "/v1/models")
	if err != nil {
		return err
	}
	var list translate.ModelList
	if err := decodeJSON(resp, &list); err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(resultOut)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}
	if len(list.Data) == 0 {
		printWarning("No models available. Check the server log for catalog errors.")
		return nil
	}

	rows := make([][]string, len(list.Data))
	for i, m := range list.Data {
		created := "-"
		if m.Created > 0 {
			created = time.Unix(m.Created, 0).UTC().Format("2006-01-02")
		}
		rows[i] = []string{m.ID, m.OwnedBy, created}
	}
	printTable([]string{"ID", "OWNER", "CREATED"}, rows)
	return nil
}

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload an image and print its file id",
	Long: `Upload an image through the running server.

The printed id can be used as the image_url of a later chat request:
  {"type": "image_url", "image_url": {"url": "<id>"}}`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return uploadFile(cmd.Context(), client, args[0])
	},
}

type uploadResult struct {
	ID       string `json:"id"`
	Bytes    int    `json:"bytes"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

func uploadFile(ctx context.Context, client *apiClient, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	mimeType := http.DetectContentType(data)
	if len(mimeType) < 6 || mimeType[:6] != "image/" {
		return fmt.Errorf("%s is not an image (detected %s)", path, mimeType)
	}

	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
	printStep("Uploading %s (%d bytes)", path, len(data))

	resp, err := client.post(ctx, "/v1/uploads", map[string]string{"file_data": dataURL})
	if err != nil {
		return err
	}
	var res uploadResult
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}

	printSuccess("Uploaded %s as %s", path, res.Filename)
	fmt.Fprintln(resultOut, res.ID)
	return nil
}

// --- chats ---

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "Manage upstream chats",
}

var chatsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an upstream chat left behind by a crash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return deleteChat(cmd.Context(), client, args[0])
	},
}

func deleteChat(ctx context.Context, client *apiClient, id string) error {
	resp, err := client.delete(ctx, "/v1/chats/"+url.PathEscape(id))
	if err != nil {
		return err
	}
	var res struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}
	printSuccess("%s", res.Message)
	return nil
}

func init() {
	chatsCmd.AddCommand(chatsDeleteCmd)
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect the local session and upload records",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent upstream sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		store, err := openLocalStore()
		if err != nil {
			return err
		}
		defer store.Close()
		return listSessions(cmd.Context(), store, limit)
	},
}

var sessionsUploadsCmd = &cobra.Command{
	Use:   "uploads",
	Short: "List images registered through the uploads endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		store, err := openLocalStore()
		if err != nil {
			return err
		}
		defer store.Close()
		return listUploads(cmd.Context(), store, limit)
	},
}

func init() {
	sessionsListCmd.Flags().Int("limit", 20, "maximum number of sessions to list")
	sessionsUploadsCmd.Flags().Int("limit", 20, "maximum number of uploads to list")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsUploadsCmd)
}

func openLocalStore() (*storage.Store, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}
	return storage.Open(cfg.Storage.DataDir)
}

func listSessions(ctx context.Context, store *storage.Store, limit int) error {
	recs, err := store.ListSessions(ctx, limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(resultOut, "No sessions recorded.")
		return nil
	}

	rows := make([][]string, len(recs))
	for i, r := range recs {
		state := r.State
		switch {
		case r.DeleteError != "":
			state = colorize(colorRed, "delete failed: "+r.DeleteError)
		case r.State == "in_use":
			state = colorize(colorYellow, r.State)
		}
		rows[i] = []string{r.ID, r.Model, r.CreatedAt.Local().Format(time.DateTime), state}
	}
	printTable([]string{"CHAT", "MODEL", "CREATED", "STATE"}, rows)
	return nil
}

func listUploads(ctx context.Context, store *storage.Store, limit int) error {
	ups, err := store.ListUploads(ctx, limit)
	if err != nil {
		return err
	}
	if len(ups) == 0 {
		fmt.Fprintln(resultOut, "No uploads registered.")
		return nil
	}

	rows := make([][]string, len(ups))
	for i, u := range ups {
		rows[i] = []string{u.ID, u.Filename, u.MimeType, fmt.Sprintf("%d", u.SizeBytes), u.CreatedAt.Local().Format(time.DateTime)}
	}
	printTable([]string{"ID", "FILENAME", "TYPE", "BYTES", "CREATED"}, rows)
	return nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClient()
		if err != nil {
			return err
		}

		printStatus("Stored in", "%s", config.BackendLocation())
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(resultOut, "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
