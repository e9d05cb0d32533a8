package node

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/paularlott/cli"

	"github.com/martinsuchenak/emud/internal/model"
)

// Commands returns the node management CLI commands. They are thin
// clients over the server's HTTP API.
func Commands() []*cli.Command {
	return []*cli.Command{
		createCommand(),
		listCommand(),
		getCommand(),
		lifecycleCommand("start", "Start a node", http.MethodPost),
		lifecycleCommand("stop", "Stop a node", http.MethodPost),
		lifecycleCommand("suspend", "Suspend a node", http.MethodPost),
		lifecycleCommand("resume", "Resume a node", http.MethodPost),
		lifecycleCommand("reload", "Reload a node", http.MethodPost),
		deleteCommand(),
	}
}

func serverFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:         "server",
			Aliases:      []string{"s"},
			Usage:        "Server URL",
			DefaultValue: "http://localhost:3080",
			EnvVars:      []string{"EMUD_SERVER_URL"},
		},
		&cli.StringFlag{
			Name:         "project",
			Aliases:      []string{"p"},
			Usage:        "Project ID",
			DefaultValue: "default",
			EnvVars:      []string{"EMUD_PROJECT_ID"},
		},
	}
}

func createCommand() *cli.Command {
	return &cli.Command{
		Name:        "create",
		Usage:       "Create a node",
		Description: "Create a new node in the project",
		Flags: append(serverFlags(),
			&cli.StringFlag{Name: "name", Usage: "Node name", Required: true},
			&cli.StringFlag{Name: "type", Usage: "Node type (dynamips, qemu, vpcs, ethernet_hub, ethernet_switch)", Required: true},
			&cli.StringFlag{Name: "properties", Usage: "Backend properties as JSON"},
		),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			req := model.NodeCreate{
				Name:     cmd.GetString("name"),
				NodeType: cmd.GetString("type"),
			}
			if props := cmd.GetString("properties"); props != "" {
				if err := json.Unmarshal([]byte(props), &req.Properties); err != nil {
					return fmt.Errorf("invalid properties JSON: %w", err)
				}
			}

			var n model.Node
			if err := doJSON(cmd, http.MethodPost, nodesURL(cmd), req, http.StatusCreated, &n); err != nil {
				return err
			}
			fmt.Printf("Node created: %s (ID: %s)\n", n.Name, n.NodeID)
			return nil
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:        "list",
		Usage:       "List nodes",
		Description: "List all nodes in the project",
		Flags:       serverFlags(),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			var nodes []model.Node
			if err := doJSON(cmd, http.MethodGet, nodesURL(cmd), nil, http.StatusOK, &nodes); err != nil {
				return err
			}
			if len(nodes) == 0 {
				fmt.Println("No nodes found")
				return nil
			}
			for _, n := range nodes {
				fmt.Printf("%-36s  %-20s  %-15s  %s\n", n.NodeID, n.Name, n.NodeType, n.Status)
			}
			return nil
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:        "get",
		Usage:       "Get a node",
		Description: "Get a node by ID",
		Flags:       serverFlags(),
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "id", Required: true},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			var n model.Node
			url := nodesURL(cmd) + "/" + cmd.GetStringArg("id")
			if err := doJSON(cmd, http.MethodGet, url, nil, http.StatusOK, &n); err != nil {
				return err
			}
			out, err := json.MarshalIndent(n, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func lifecycleCommand(verb, usage, method string) *cli.Command {
	return &cli.Command{
		Name:        verb,
		Usage:       usage,
		Description: usage + " by ID",
		Flags:       serverFlags(),
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "id", Required: true},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			url := nodesURL(cmd) + "/" + cmd.GetStringArg("id") + "/" + verb
			if err := doJSON(cmd, method, url, nil, http.StatusNoContent, nil); err != nil {
				return err
			}
			fmt.Printf("Node %s requested\n", verb)
			return nil
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:        "delete",
		Usage:       "Delete a node",
		Description: "Delete a stopped node by ID",
		Flags:       serverFlags(),
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "id", Required: true},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			url := nodesURL(cmd) + "/" + cmd.GetStringArg("id")
			if err := doJSON(cmd, http.MethodDelete, url, nil, http.StatusNoContent, nil); err != nil {
				return err
			}
			fmt.Println("Node deleted")
			return nil
		},
	}
}

func nodesURL(cmd *cli.Command) string {
	return fmt.Sprintf("%s/api/projects/%s/nodes", cmd.GetString("server"), cmd.GetString("project"))
}

// doJSON sends one API request and decodes the response into out when a
// body is expected.
func doJSON(cmd *cli.Command, method, url string, body any, wantStatus int, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = strings.NewReader(string(data))
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("node not found")
	}
	if resp.StatusCode != wantStatus {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", strings.TrimSpace(string(msg)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
