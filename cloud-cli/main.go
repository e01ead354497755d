// Command cloud-cli is a command-line client for the cloud server API.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitOK           = 0
	exitUserError    = 1
	exitUnauthorized = 2
	exitNotFound     = 3
	exitNetworkError = 4
)

var (
	flagHost string
	flagJSON bool
)

// cliState is persisted between invocations.
type cliState struct {
	Host    string `json:"host"`
	Cookie  string `json:"cookie"`
	Secret  string `json:"secret,omitempty"`
	HostId  string `json:"hostId,omitempty"`
	Current string `json:"username,omitempty"`
}

func statePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".netsblox-cli.json"
	}
	return filepath.Join(home, ".netsblox-cli.json")
}

func loadState() *cliState {
	state := &cliState{Host: "http://localhost:7777"}
	if raw, err := os.ReadFile(statePath()); err == nil {
		json.Unmarshal(raw, state)
	}
	if flagHost != "" {
		state.Host = flagHost
	}
	return state
}

func saveState(state *cliState) {
	raw, _ := json.MarshalIndent(state, "", "  ")
	os.WriteFile(statePath(), raw, 0600)
}

// apiError mirrors the server error body.
type apiError struct {
	Kind    string `json:"error"`
	Message string `json:"message"`
}

// exitError carries a process exit code.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func failf(code int, format string, args ...any) error {
	return &exitError{code: code, msg: fmt.Sprintf(format, args...)}
}

// call performs a request against the API and decodes the result into out.
func call(state *cliState, method, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return failf(exitUserError, "invalid request: %v", err)
		}
	}

	req, err := http.NewRequest(method, state.Host+path, &buf)
	if err != nil {
		return failf(exitUserError, "bad request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if state.Cookie != "" {
		req.Header.Set("Cookie", state.Cookie)
	}
	if state.HostId != "" && state.Secret != "" {
		req.Header.Set("X-Authorization", state.HostId+":"+state.Secret)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return failf(exitNetworkError, "request failed: %v", err)
	}
	defer resp.Body.Close()

	if cookie := resp.Header.Get("Set-Cookie"); cookie != "" {
		state.Cookie = strings.Split(cookie, ";")[0]
		saveState(state)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return failf(exitNetworkError, "read failed: %v", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		json.Unmarshal(raw, &apiErr)
		msg := apiErr.Kind
		if apiErr.Message != "" {
			msg += ": " + apiErr.Message
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return failf(exitUnauthorized, "%s", msg)
		case http.StatusNotFound:
			return failf(exitNotFound, "%s", msg)
		default:
			return failf(exitUserError, "%s", msg)
		}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return failf(exitNetworkError, "malformed response: %v", err)
		}
	}
	return nil
}

// show prints a result as aligned text or as JSON under --json.
func show(value any) {
	if flagJSON {
		raw, _ := json.MarshalIndent(value, "", "  ")
		fmt.Println(string(raw))
		return
	}

	switch v := value.(type) {
	case []string:
		for _, item := range v {
			fmt.Println(item)
		}
	case []map[string]any:
		for _, item := range v {
			fmt.Println(compactLine(item))
		}
	case map[string]any:
		fmt.Println(compactLine(v))
	default:
		raw, _ := json.Marshal(value)
		fmt.Println(string(raw))
	}
}

func compactLine(item map[string]any) string {
	for _, key := range []string{"username", "name", "id", "address"} {
		if v, ok := item[key].(string); ok {
			return v
		}
	}
	raw, _ := json.Marshal(item)
	return string(raw)
}

func usersCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "users", Short: "Account management"}

	cmd.AddCommand(&cobra.Command{
		Use:   "login <username> <password-hash>",
		Short: "Start a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			state := loadState()
			var user map[string]any
			if err := call(state, "POST", "/users/login", map[string]string{
				"username": args[0], "passwordHash": args[1],
			}, &user); err != nil {
				return err
			}
			state.Current = args[0]
			saveState(state)
			show(user)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "logout",
		Short: "End the session",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, args []string) error {
			state := loadState()
			if err := call(state, "POST", "/users/logout", nil, nil); err != nil {
				return err
			}
			state.Cookie = ""
			state.Current = ""
			saveState(state)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <username>",
		Short: "Show an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var user map[string]any
			if err := call(loadState(), "GET", "/users/"+args[0], nil, &user); err != nil {
				return err
			}
			show(user)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "create <username> <email> <password-hash>",
		Short: "Create an account",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			var user map[string]any
			if err := call(loadState(), "POST", "/users/create", map[string]string{
				"username": args[0], "email": args[1], "passwordHash": args[2],
			}, &user); err != nil {
				return err
			}
			show(user)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "ban <username>",
		Short: "Ban an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(loadState(), "POST", "/users/"+args[0]+"/ban", nil, nil)
		},
	})

	return cmd
}

func projectsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "projects", Short: "Project management"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list <owner>",
		Short: "List a user's projects",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var projects []map[string]any
			if err := call(loadState(), "GET", "/projects/user/"+args[0], nil, &projects); err != nil {
				return err
			}
			show(projects)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <project-id>",
		Short: "Show project metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var metadata map[string]any
			if err := call(loadState(), "GET", "/projects/id/"+args[0], nil, &metadata); err != nil {
				return err
			}
			show(metadata)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rename <project-id> <new-name>",
		Short: "Rename a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			var metadata map[string]any
			if err := call(loadState(), "PATCH", "/projects/id/"+args[0],
				map[string]string{"name": args[1]}, &metadata); err != nil {
				return err
			}
			show(metadata)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(loadState(), "DELETE", "/projects/id/"+args[0], nil, nil)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export <project-id>",
		Short: "Fetch the latest project content",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var project map[string]any
			if err := call(loadState(), "GET", "/projects/id/"+args[0]+"/latest", nil, &project); err != nil {
				return err
			}
			show(project)
			return nil
		},
	})

	return cmd
}

func friendsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "friends", Short: "Social graph"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list <username>",
		Short: "List friends",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var friends []string
			if err := call(loadState(), "GET", "/friends/"+args[0], nil, &friends); err != nil {
				return err
			}
			show(friends)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "online <username>",
		Short: "List online friends",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var friends []string
			if err := call(loadState(), "GET", "/friends/"+args[0]+"/online", nil, &friends); err != nil {
				return err
			}
			show(friends)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "invite <username> <other>",
		Short: "Send a friend invite",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(loadState(), "POST", "/friends/"+args[0]+"/invite/"+args[1], nil, nil)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "block <username> <other>",
		Short: "Block a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(loadState(), "POST", "/friends/"+args[0]+"/block/"+args[1], nil, nil)
		},
	})

	return cmd
}

func groupsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "groups", Short: "Group management"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List your groups",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, args []string) error {
			var groups []map[string]any
			if err := call(loadState(), "GET", "/groups/", nil, &groups); err != nil {
				return err
			}
			show(groups)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var group map[string]any
			if err := call(loadState(), "POST", "/groups/",
				map[string]string{"name": args[0]}, &group); err != nil {
				return err
			}
			show(group)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "members <group-id>",
		Short: "List group members",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var members []map[string]any
			if err := call(loadState(), "GET", "/groups/"+args[0]+"/members", nil, &members); err != nil {
				return err
			}
			show(members)
			return nil
		},
	})

	return cmd
}

func librariesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "libraries", Short: "Community libraries"}

	cmd.AddCommand(&cobra.Command{
		Use:   "community",
		Short: "List community libraries",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, args []string) error {
			var libs []map[string]any
			if err := call(loadState(), "GET", "/libraries/community", nil, &libs); err != nil {
				return err
			}
			show(libs)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list <username>",
		Short: "List a user's libraries",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var libs []map[string]any
			if err := call(loadState(), "GET", "/libraries/user/"+args[0], nil, &libs); err != nil {
				return err
			}
			show(libs)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "publish <username> <name>",
		Short: "Publish a library",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			var lib map[string]any
			if err := call(loadState(), "POST",
				"/libraries/user/"+args[0]+"/"+args[1]+"/publish", nil, &lib); err != nil {
				return err
			}
			show(lib)
			return nil
		},
	})

	return cmd
}

func servicesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "services", Short: "Service hosts"}

	cmd.AddCommand(&cobra.Command{
		Use:   "hosts <username>",
		Short: "List a user's service hosts",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var hosts []map[string]any
			if err := call(loadState(), "GET", "/services/hosts/user/"+args[0], nil, &hosts); err != nil {
				return err
			}
			show(hosts)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "authorize <host-id> <url>",
		Short: "Authorize a privileged service host",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			state := loadState()
			var result map[string]string
			if err := call(state, "POST", "/services/hosts/authorized", map[string]any{
				"id": args[0], "url": args[1],
			}, &result); err != nil {
				return err
			}
			state.HostId = result["id"]
			state.Secret = result["secret"]
			saveState(state)
			show(map[string]any{"id": result["id"], "secret": result["secret"]})
			return nil
		},
	})

	return cmd
}

func networkCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "network", Short: "Overlay inspection"}

	cmd.AddCommand(&cobra.Command{
		Use:   "external",
		Short: "List connected external clients",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, args []string) error {
			var clients []map[string]any
			if err := call(loadState(), "GET", "/network/", nil, &clients); err != nil {
				return err
			}
			show(clients)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "room <project-id>",
		Short: "Show a room's live state",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var state map[string]any
			if err := call(loadState(), "GET", "/network/id/"+args[0], nil, &state); err != nil {
				return err
			}
			show(state)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "evict <client-id>",
		Short: "Evict a connected client",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(loadState(), "POST", "/network/clients/"+args[0]+"/evict", nil, nil)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "send <address> <msg-type> <json-content>",
		Short: "Send a message as an authorized host",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			var result map[string]any
			if err := call(loadState(), "POST", "/network/messages", map[string]any{
				"address": args[0], "msgType": args[1], "content": json.RawMessage(args[2]),
			}, &result); err != nil {
				return err
			}
			show(result)
			return nil
		},
	})

	return cmd
}

func main() {
	root := &cobra.Command{
		Use:           "cloud-cli",
		Short:         "Command-line client for the cloud server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagHost, "host", "", "API base URL")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "machine-readable output")

	root.AddCommand(usersCmd(), projectsCmd(), friendsCmd(), groupsCmd(),
		librariesCmd(), servicesCmd(), networkCmd())

	if err := root.Execute(); err != nil {
		code := exitUserError
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			code = exitErr.code
		}
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(code)
	}
}
