// ABOUTME: Admin CLI for the warden subscription API
// ABOUTME: Manages subscriber accounts over HTTP with JWT authentication

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

const banner = `
                       _                            _           _
__      ____ _ _ __ __| | ___ _ __          __ _  __| |_ __ ___ (_)_ __
\ \ /\ / / _' | '__/ _' |/ _ \ '_ \ _____ / _' |/ _' | '_ ' _ \| | '_ \
 \ V  V / (_| | | | (_| |  __/ | | |_____| (_| | (_| | | | | | | | | | |
  \_/\_/ \__,_|_|  \__,_|\___|_| |_|      \__,_|\__,_|_| |_| |_|_|_| |_|
`

var httpClient = &http.Client{Timeout: 10 * time.Second}

// subscription mirrors the row shape returned by the subscription endpoints.
type subscription struct {
	ID       int64   `json:"id"`
	Username string  `json:"username"`
	Password string  `json:"password"`
	Active   bool    `json:"active"`
	Link     *string `json:"link"`
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := loadConfig()
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "login":
		err = cmdLogin(cfg, args)
	case "add":
		err = cmdAdd(cfg, args)
	case "list":
		err = cmdList(cfg)
	case "enable":
		err = cmdSetActive(cfg, args, true)
	case "disable":
		err = cmdSetActive(cfg, args, false)
	case "link":
		err = cmdLink(cfg, args)
	case "status":
		err = cmdStatus(cfg)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: warden-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  login <username>         Authenticate and store a token")
	fmt.Println("  add <user> <password>    Create a subscription (--inactive to start disabled)")
	fmt.Println("  list                     List all subscriptions")
	fmt.Println("  enable <username>        Grant access")
	fmt.Println("  disable <username>       Revoke access")
	fmt.Println("  link <username>          Print a subscriber's connection link")
	fmt.Println("  status                   Show server metrics")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  WARDEN_URL     Server base URL (overrides config)")
	fmt.Println("  WARDEN_TOKEN   JWT token (overrides the stored token)")
	fmt.Println()
	yellow.Println("Config:")
	fmt.Printf("  %s\n", configPath())
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  warden-admin login admin")
	fmt.Println("  warden-admin add alice s3cret")
	fmt.Println("  warden-admin link alice")
	fmt.Println()
}

// request performs a JSON request and decodes the response into out.
// Non-2xx responses become errors carrying the server's message.
func request(cfg *Config, method, path, token string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, cfg.Server.URL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Server.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// authToken returns the stored token or an error telling the user to log in.
func authToken() (string, error) {
	token := getToken()
	if token == "" {
		return "", fmt.Errorf("not logged in (run: warden-admin login <username>)")
	}
	return token, nil
}

func cmdLogin(cfg *Config, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: warden-admin login <username>")
	}
	username := args[0]

	fmt.Printf("Password for %s: ", username)
	reader := bufio.NewReader(os.Stdin)
	password, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}
	password = strings.TrimSpace(password)

	var resp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	err = request(cfg, http.MethodPost, "/login", "", map[string]string{
		"login":    username,
		"password": password,
	}, &resp)
	if err != nil {
		return err
	}

	path, err := saveToken(resp.AccessToken)
	if err != nil {
		return err
	}

	color.Green("Logged in as %s", username)
	fmt.Printf("Token saved to %s\n", path)
	return nil
}

func cmdAdd(cfg *Config, args []string) error {
	active := true
	var positional []string
	for _, arg := range args {
		switch {
		case arg == "--inactive":
			active = false
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			positional = append(positional, arg)
		}
	}
	if len(positional) != 2 {
		return fmt.Errorf("usage: warden-admin add <username> <password> [--inactive]")
	}
	username, password := positional[0], positional[1]

	token, err := authToken()
	if err != nil {
		return err
	}

	var sub subscription
	err = request(cfg, http.MethodPost, "/add", token, map[string]any{
		"username": username,
		"password": password,
		"active":   active,
	}, &sub)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("Created %s", sub.Username)
	if !sub.Active {
		fmt.Print(" (inactive)")
	}
	fmt.Println()
	fmt.Println("The next sweep will issue the connection link.")
	return nil
}

func cmdList(cfg *Config) error {
	token, err := authToken()
	if err != nil {
		return err
	}

	var subs []subscription
	if err := request(cfg, http.MethodGet, "/users", token, nil, &subs); err != nil {
		return err
	}

	if len(subs) == 0 {
		fmt.Println("(no subscriptions)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tUSERNAME\tSTATUS\tLINK")
	fmt.Fprintln(w, "  --\t--------\t------\t----")
	for _, sub := range subs {
		status := "inactive"
		if sub.Active {
			status = "active"
		}
		link := "-"
		if sub.Link != nil && *sub.Link != "" {
			link = "issued"
		}
		fmt.Fprintf(w, "  %d\t%s\t%s\t%s\n", sub.ID, sub.Username, status, link)
	}
	return w.Flush()
}

func cmdSetActive(cfg *Config, args []string, active bool) error {
	if len(args) < 1 {
		verb := "enable"
		if !active {
			verb = "disable"
		}
		return fmt.Errorf("usage: warden-admin %s <username>", verb)
	}
	username := args[0]

	token, err := authToken()
	if err != nil {
		return err
	}

	var sub subscription
	err = request(cfg, http.MethodPatch, "/patch/"+url.PathEscape(username), token, map[string]any{
		"active": active,
	}, &sub)
	if err != nil {
		return err
	}

	if sub.Active {
		color.Green("%s is active", sub.Username)
	} else {
		color.Yellow("%s is inactive", sub.Username)
	}
	return nil
}

func cmdLink(cfg *Config, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: warden-admin link <username>")
	}
	username := args[0]

	token, err := authToken()
	if err != nil {
		return err
	}

	var subs []subscription
	if err := request(cfg, http.MethodGet, "/users", token, nil, &subs); err != nil {
		return err
	}

	for _, sub := range subs {
		if sub.Username != username {
			continue
		}
		if sub.Link == nil || *sub.Link == "" {
			return fmt.Errorf("%s has no link yet (the next sweep will issue one)", username)
		}
		fmt.Println(*sub.Link)
		return nil
	}
	return fmt.Errorf("no subscription named %q", username)
}

func cmdStatus(cfg *Config) error {
	var metrics map[string]struct {
		Val     string `json:"val"`
		Comment string `json:"comment"`
	}
	if err := request(cfg, http.MethodGet, "/metrics", "", nil, &metrics); err != nil {
		return err
	}

	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Server Metrics")
	cyan.Println("  --------------")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", k, metrics[k].Val, metrics[k].Comment)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Println()

	return nil
}
