package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	apiclient "github.com/sungreong/openstream-gallery/pkg/api/client"
	"golang.org/x/term"
)

type cliConfig struct {
	APIBaseURL  string `toml:"api_base_url"`
	AccessToken string `toml:"access_token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "signup":
		err = commandSignup(args)
	case "app":
		err = commandApp(args)
	case "build":
		err = commandBuild(args)
	case "deploy":
		err = commandDeploy(args)
	case "stop":
		err = commandStop(args)
	case "cancel":
		err = commandCancel(args)
	case "status":
		err = commandStatus(args)
	case "logs":
		err = commandLogs(args)
	case "task":
		err = commandTask(args)
	case "credential":
		err = commandCredential(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	username := fs.String("username", "", "Account username")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:8000)")
	fs.Parse(args)

	if strings.TrimSpace(*username) == "" {
		return errors.New("--username is required")
	}

	secret, err := readSecret(*password, "Password: ")
	if err != nil {
		return err
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	} else if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:8000"
	}

	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	resp, err := client.Login(ctx, *username, secret)
	if err != nil {
		return err
	}
	cfg.AccessToken = resp.Tokens.AccessToken
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("login successful")
	return nil
}

func commandSignup(args []string) error {
	fs := flag.NewFlagSet("signup", flag.ExitOnError)
	username := fs.String("username", "", "Account username")
	email := fs.String("email", "", "Email address")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:8000)")
	fs.Parse(args)

	if strings.TrimSpace(*username) == "" {
		return errors.New("--username is required")
	}
	if strings.TrimSpace(*email) == "" {
		return errors.New("--email is required")
	}

	secret, err := readSecret(*password, "Password: ")
	if err != nil {
		return err
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	} else if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:8000"
	}

	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	resp, err := client.Signup(ctx, *username, *email, secret)
	if err != nil {
		return err
	}
	cfg.AccessToken = resp.Tokens.AccessToken
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("account created: %s\n", resp.User.Username)
	return nil
}

func commandApp(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: galleryctl app [list|create|show|delete]")
	}
	sub := args[0]
	switch sub {
	case "list":
		return appList(args[1:])
	case "create":
		return appCreate(args[1:])
	case "show":
		return appShow(args[1:])
	case "delete":
		return appDelete(args[1:])
	default:
		return fmt.Errorf("unknown app command: %s", sub)
	}
}

func appList(args []string) error {
	fs := flag.NewFlagSet("app list", flag.ExitOnError)
	limit := fs.Int("limit", 0, "Maximum number of apps to display")
	fs.Parse(args)

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	apps, err := client.ListApps(ctx, token)
	if err != nil {
		return err
	}
	count := len(apps)
	if *limit > 0 && *limit < count {
		count = *limit
	}
	for i := 0; i < count; i++ {
		a := apps[i]
		fmt.Printf("%d\t%s\t%s\t%s\t%s\n", a.ID, a.Name, a.Status, a.Subdomain, a.GitURL)
	}
	return nil
}

func appCreate(args []string) error {
	fs := flag.NewFlagSet("app create", flag.ExitOnError)
	name := fs.String("name", "", "App name")
	repo := fs.String("repo", "", "Git repository URL")
	branch := fs.String("branch", "", "Branch to build (default main)")
	entry := fs.String("entry", "", "Streamlit entry file (default streamlit_app.py)")
	base := fs.String("base", "", "Base image choice (auto|minimal|py39|py310|py311)")
	credential := fs.Int64("credential", 0, "Credential id for private repositories")
	public := fs.Bool("public", false, "List the app in the public gallery")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}
	if strings.TrimSpace(*repo) == "" {
		return errors.New("--repo is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	input := apiclient.AppInput{
		Name:            *name,
		GitURL:          *repo,
		Branch:          *branch,
		EntryFile:       *entry,
		BaseImageChoice: *base,
		IsPublic:        *public,
	}
	if *credential > 0 {
		id := *credential
		input.CredentialID = &id
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	app, err := client.CreateApp(ctx, token, input)
	if err != nil {
		return err
	}
	fmt.Printf("app created: %d (%s)\n", app.ID, app.Name)
	return nil
}

func appShow(args []string) error {
	fs := flag.NewFlagSet("app show", flag.ExitOnError)
	appID := fs.Int64("app", 0, "App identifier")
	fs.Parse(args)

	if *appID <= 0 {
		return errors.New("--app is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	app, err := client.GetApp(ctx, token, *appID)
	if err != nil {
		return err
	}
	fmt.Printf("id:\t%d\n", app.ID)
	fmt.Printf("name:\t%s\n", app.Name)
	fmt.Printf("status:\t%s\n", app.Status)
	fmt.Printf("repo:\t%s (%s)\n", app.GitURL, app.Branch)
	fmt.Printf("entry:\t%s\n", app.EntryFile)
	fmt.Printf("base:\t%s\n", app.BaseImageChoice)
	fmt.Printf("subdomain:\t%s\n", app.Subdomain)
	if app.ImageTag != "" {
		fmt.Printf("image:\t%s\n", app.ImageTag)
	}
	if app.LastDeployedAt != nil {
		fmt.Printf("deployed:\t%s\n", app.LastDeployedAt.Format(time.RFC3339))
	}
	return nil
}

func appDelete(args []string) error {
	fs := flag.NewFlagSet("app delete", flag.ExitOnError)
	appID := fs.Int64("app", 0, "App identifier")
	fs.Parse(args)

	if *appID <= 0 {
		return errors.New("--app is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.DeleteApp(ctx, token, *appID); err != nil {
		return err
	}
	fmt.Println("app deleted")
	return nil
}

func commandBuild(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	appID := fs.Int64("app", 0, "App identifier")
	buildOnly := fs.Bool("build-only", false, "Build the image without deploying")
	force := fs.Bool("force", false, "Cancel any active task first")
	fs.Parse(args)

	if *appID <= 0 {
		return errors.New("--app is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	task, err := client.Build(ctx, token, *appID, *buildOnly, *force)
	if err != nil {
		return err
	}
	fmt.Printf("build queued: task %s\n", task.ID)
	fmt.Printf("follow with: galleryctl task --id %s --wait\n", task.ID)
	return nil
}

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	appID := fs.Int64("app", 0, "App identifier")
	force := fs.Bool("force", false, "Cancel any active task first")
	fs.Parse(args)

	if *appID <= 0 {
		return errors.New("--app is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	task, err := client.Deploy(ctx, token, *appID, *force)
	if err != nil {
		return err
	}
	fmt.Printf("deploy queued: task %s\n", task.ID)
	fmt.Printf("follow with: galleryctl task --id %s --wait\n", task.ID)
	return nil
}

func commandStop(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	appID := fs.Int64("app", 0, "App identifier")
	fs.Parse(args)

	if *appID <= 0 {
		return errors.New("--app is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	task, err := client.Stop(ctx, token, *appID)
	if err != nil {
		return err
	}
	fmt.Printf("stop queued: task %s\n", task.ID)
	return nil
}

func commandCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	appID := fs.Int64("app", 0, "App identifier")
	fs.Parse(args)

	if *appID <= 0 {
		return errors.New("--app is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	task, err := client.Cancel(ctx, token, *appID)
	if err != nil {
		return err
	}
	fmt.Printf("cancel requested: task %s state=%s\n", task.ID, task.State)
	return nil
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	appID := fs.Int64("app", 0, "App identifier (omit for all apps)")
	fs.Parse(args)

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if *appID > 0 {
		report, err := client.AppStatus(ctx, token, *appID)
		if err != nil {
			return err
		}
		printStatus(report)
		return nil
	}
	reports, err := client.StatusAll(ctx, token)
	if err != nil {
		return err
	}
	for _, report := range reports {
		printStatus(report)
	}
	return nil
}

func printStatus(report apiclient.StatusReport) {
	issues := ""
	if len(report.Issues) > 0 {
		issues = strings.Join(report.Issues, "; ")
	}
	fmt.Printf("%d\t%s\t%s\t%s\n", report.AppID, report.DeclaredStatus, report.ActualStatus, issues)
}

func commandLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	appID := fs.Int64("app", 0, "App identifier")
	tail := fs.Int("tail", 0, "Number of log lines (default 100)")
	fs.Parse(args)

	if *appID <= 0 {
		return errors.New("--app is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	bundle, err := client.Logs(ctx, token, *appID, *tail)
	if err != nil {
		return err
	}
	for _, line := range bundle.Lines {
		fmt.Println(line)
	}
	return nil
}

func commandTask(args []string) error {
	fs := flag.NewFlagSet("task", flag.ExitOnError)
	taskID := fs.String("id", "", "Task identifier")
	wait := fs.Bool("wait", false, "Poll until the task finishes")
	fs.Parse(args)

	if strings.TrimSpace(*taskID) == "" {
		return errors.New("--id is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}

	if !*wait {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		task, err := client.GetTask(ctx, token, *taskID)
		if err != nil {
			return err
		}
		printTask(task)
		return nil
	}

	deadline := time.Now().Add(30 * time.Minute)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		task, err := client.GetTask(ctx, token, *taskID)
		cancel()
		if err != nil {
			return err
		}
		if taskTerminal(task.State) {
			printTask(task)
			if task.State != "success" {
				return fmt.Errorf("task finished with state %s", task.State)
			}
			return nil
		}
		fmt.Printf("%s %s: %s (%d/%d)\n", task.Kind, task.State, task.Progress.Message, task.Progress.Current, task.Progress.Total)
		if time.Now().After(deadline) {
			return errors.New("timed out waiting for task")
		}
		time.Sleep(2 * time.Second)
	}
}

func taskTerminal(state string) bool {
	switch state {
	case "success", "failure", "revoked":
		return true
	}
	return false
}

func printTask(task apiclient.Task) {
	fmt.Printf("id:\t%s\n", task.ID)
	fmt.Printf("kind:\t%s\n", task.Kind)
	fmt.Printf("app:\t%d\n", task.AppID)
	fmt.Printf("state:\t%s\n", task.State)
	if task.Progress.Message != "" {
		fmt.Printf("progress:\t%s (%d/%d)\n", task.Progress.Message, task.Progress.Current, task.Progress.Total)
	}
	if task.ErrorMessage != "" {
		fmt.Printf("error:\t%s\n", task.ErrorMessage)
	}
}

func commandCredential(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: galleryctl credential [list|add|delete]")
	}
	sub := args[0]
	switch sub {
	case "list":
		return credentialList(args[1:])
	case "add":
		return credentialAdd(args[1:])
	case "delete":
		return credentialDelete(args[1:])
	default:
		return fmt.Errorf("unknown credential command: %s", sub)
	}
}

func credentialList(args []string) error {
	fs := flag.NewFlagSet("credential list", flag.ExitOnError)
	fs.Parse(args)

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	creds, err := client.ListCredentials(ctx, token)
	if err != nil {
		return err
	}
	for _, cred := range creds {
		fmt.Printf("%d\t%s\t%s\t%s\n", cred.ID, cred.Name, cred.AuthKind, cred.Provider)
	}
	return nil
}

func credentialAdd(args []string) error {
	fs := flag.NewFlagSet("credential add", flag.ExitOnError)
	name := fs.String("name", "", "Credential name")
	provider := fs.String("provider", "", "Git provider (github|gitlab|...)")
	kind := fs.String("kind", "token", "Auth kind (token|ssh_key)")
	username := fs.String("username", "", "Username for token auth")
	secret := fs.String("secret", "", "Secret (supply to avoid prompt)")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}

	value, err := readSecret(*secret, "Secret: ")
	if err != nil {
		return err
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cred, err := client.CreateCredential(ctx, token, apiclient.CreateCredentialInput{
		Name:     *name,
		Provider: *provider,
		AuthKind: *kind,
		Username: *username,
		Secret:   value,
	})
	if err != nil {
		return err
	}
	fmt.Printf("credential stored: %d (%s)\n", cred.ID, cred.Name)
	return nil
}

func credentialDelete(args []string) error {
	fs := flag.NewFlagSet("credential delete", flag.ExitOnError)
	credentialID := fs.Int64("credential", 0, "Credential identifier")
	fs.Parse(args)

	if *credentialID <= 0 {
		return errors.New("--credential is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := client.DeleteCredential(ctx, token, *credentialID); err != nil {
		return err
	}
	fmt.Println("credential deleted")
	return nil
}

func readSecret(supplied, prompt string) (string, error) {
	secret := strings.TrimSpace(supplied)
	if secret != "" {
		return secret, nil
	}
	fmt.Print(prompt)
	bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Print("\n")
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return string(bytes), nil
}

func authedClient() (*apiclient.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, "", errors.New("please login first using 'galleryctl login'")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return nil, "", err
	}
	return client, token, nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: "http://localhost:8000"}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:8000"
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "galleryctl", "config.toml"), nil
}

func printUsage() {
	fmt.Printf("galleryctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	galleryctl login --username <name> [--password secret] [--api http://localhost:8000]
	galleryctl signup --username <name> --email <address> [--password secret]
	galleryctl app list [--limit N]
	galleryctl app create --name <name> --repo <url> [--branch main] [--entry streamlit_app.py] [--base auto] [--credential id] [--public]
	galleryctl app show --app <id>
	galleryctl app delete --app <id>
	galleryctl build --app <id> [--build-only] [--force]
	galleryctl deploy --app <id> [--force]
	galleryctl stop --app <id>
	galleryctl cancel --app <id>
	galleryctl status [--app <id>]
	galleryctl logs --app <id> [--tail N]
	galleryctl task --id <task-id> [--wait]
	galleryctl credential list
	galleryctl credential add --name <name> [--provider github] [--kind token] [--username user] [--secret value]
	galleryctl credential delete --credential <id>
	galleryctl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
