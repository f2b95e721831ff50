package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/foreman/internal/api"
	"github.com/mattjoyce/foreman/internal/errs"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Exit codes beyond 0/1.
const (
	exitConfig = 2
	exitDenied = 3
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "plan":
		return runPlanNoun(args)
	case "autonomy":
		return runAutonomyNoun(args)
	case "dispatch":
		return runDispatchNoun(args)
	case "proposal":
		return runProposalNoun(args)

	// --- ROOT COMMANDS ---
	case "status":
		if hasHelpFlag(args) {
			printStatusHelp()
			return 0
		}
		return runStatus(args)
	case "answer":
		if hasHelpFlag(args) {
			printAnswerHelp()
			return 0
		}
		return runAnswer(args)
	case "start":
		return runStart(args)
	case "inspect":
		return runPlanInspect(args)
	case "doctor":
		return runConfigCheck(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: foreman version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("foreman %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

// exitCodeFor maps an error to the process exit code. Local errors carry
// their kind through errs; remote ones through the API error body.
func exitCodeFor(err error) int {
	kind := errs.KindOf(err)
	var apiErr *api.APIError
	if errors.As(err, &apiErr) && apiErr.Kind != "" {
		kind = apiErr.Kind
	}
	switch kind {
	case errs.KindConfiguration, errs.KindDependencyCycle:
		return exitConfig
	case errs.KindApprovalDenied:
		return exitDenied
	}
	return 1
}

func printUsage() {
	fmt.Print(`foreman - dispatch and evaluation core for multi-project development

Usage:
  foreman <noun> <action> [flags]

Core Resources (Nouns):
  system    Daemon lifecycle, health and live monitor
  config    Configuration validation and integrity
  plan      Plan, approve, execute and inspect work
  autonomy  Per-project autonomy levels
  dispatch  Pause and resume the dispatch queue
  proposal  Enhancement proposals raised by the evaluator

System Commands:
  system start        Start the daemon in the foreground
  system status       Check local config, state database and instance lock
  system monitor      Live dashboard fed by the event stream

Config Commands:
  config check        Validate configuration, graph and policy
  config lock         Record the config checksum
  config show         Print the resolved configuration

Plan Commands:
  plan create <task>  Plan a task and print the plan
  plan show <id>      Show a plan and its result
  plan list           List recent plans
  plan approve <id>   Approve a plan waiting for a human
  plan deny <id>      Deny a plan
  plan execute <id>   Queue an approved plan
  plan cancel <id>    Cancel a plan
  plan inspect <id>   Full local report: steps, artifacts, evaluations

Other Commands:
  status                         Active plans, workers, queue and tiers
  autonomy set <scope> <level>   Change autonomy (scope: project id or "global")
  answer <question-id> <text>    Answer a worker question
  dispatch pause|resume          Stop or restart queue consumption
  proposal list|approve|reject|implemented

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Remote commands read --api-url/--token or FOREMAN_API_URL/FOREMAN_TOKEN.
Use 'foreman <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "monitor":
		if hasHelpFlag(actionArgs) {
			printSystemMonitorHelp()
			return 0
		}
		return runMonitor(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runPlanNoun(args []string) int {
	if len(args) < 1 {
		printPlanNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printPlanNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]
	if hasHelpFlag(actionArgs) {
		if usage, ok := planActionHelp[action]; ok {
			fmt.Println(usage)
			return 0
		}
	}

	switch action {
	case "create":
		return runPlanCreate(actionArgs)
	case "show":
		return runPlanShow(actionArgs)
	case "list":
		return runPlanList(actionArgs)
	case "approve", "execute", "cancel":
		return runPlanTransition(action, actionArgs)
	case "deny":
		return runPlanDeny(actionArgs)
	case "inspect":
		return runPlanInspect(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown plan action: %s\n", action)
		return 1
	}
}

func runAutonomyNoun(args []string) int {
	if len(args) < 1 {
		printAutonomyNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printAutonomyNounHelp(os.Stdout)
		return 0
	}
	switch args[0] {
	case "set":
		if hasHelpFlag(args[1:]) {
			printAutonomySetHelp()
			return 0
		}
		return runAutonomySet(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown autonomy action: %s\n", args[0])
		return 1
	}
}

func runDispatchNoun(args []string) int {
	if len(args) < 1 {
		printDispatchNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printDispatchNounHelp(os.Stdout)
		return 0
	}
	switch args[0] {
	case "pause", "resume":
		if hasHelpFlag(args[1:]) {
			printDispatchNounHelp(os.Stdout)
			return 0
		}
		return runDispatchToggle(args[0], args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown dispatch action: %s\n", args[0])
		return 1
	}
}

func runProposalNoun(args []string) int {
	if len(args) < 1 {
		printProposalNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printProposalNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printProposalListHelp()
			return 0
		}
		return runProposalList(actionArgs)
	case "approve", "reject", "implemented":
		if hasHelpFlag(actionArgs) {
			printProposalDecideHelp()
			return 0
		}
		return runProposalDecide(action, actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown proposal action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// --- HELP ---

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: foreman system <action>")
	fmt.Fprintln(w, "Actions: start, status, monitor")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: foreman config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, show")
}

func printPlanNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: foreman plan <action> [flags]")
	fmt.Fprintln(w, "Actions: create, show, list, approve, deny, execute, cancel, inspect")
}

func printAutonomyNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: foreman autonomy <action>")
	fmt.Fprintln(w, "Actions: set")
}

func printDispatchNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: foreman dispatch <pause|resume> [--api-url URL] [--token TOKEN]")
	fmt.Fprintln(w, "Stop or restart consumption of the dispatch queue. Running plans are not affected.")
}

func printProposalNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: foreman proposal <action>")
	fmt.Fprintln(w, "Actions: list, approve, reject, implemented")
}

func printSystemStartHelp() {
	fmt.Println("Usage: foreman system start [--config PATH]")
	fmt.Println("Start the daemon in the foreground.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: foreman system status [--config PATH] [--json]")
	fmt.Println("Check the configuration, state database and instance lock without contacting the daemon.")
}

func printSystemMonitorHelp() {
	fmt.Println("Usage: foreman system monitor [--api-url URL] [--token TOKEN]")
	fmt.Println("Open the live dashboard.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: foreman config lock [--config PATH] [--dry-run]")
	fmt.Println("Hash the configuration file and record it in .checksums.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: foreman config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate configuration syntax, dependency graph, policy and integrity.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: foreman config show [--config PATH] [--json]")
	fmt.Println("Print the resolved configuration with defaults applied.")
}

var planActionHelp = map[string]string{
	"create":  "Usage: foreman plan create <task> [--json]\nPlan a task. The plan runs at once when autonomy allows it.",
	"show":    "Usage: foreman plan show <plan_id> [--json]\nShow a plan, its approval state and its result.",
	"list":    "Usage: foreman plan list [--limit N] [--json]\nList recent plans, newest first.",
	"approve": "Usage: foreman plan approve <plan_id>\nApprove a plan waiting for a human.",
	"deny":    "Usage: foreman plan deny <plan_id> [--reason TEXT]\nDeny a plan. Denied plans never run.",
	"execute": "Usage: foreman plan execute <plan_id>\nQueue an approved plan for dispatch.",
	"cancel":  "Usage: foreman plan cancel <plan_id>\nCancel a plan; running steps are terminated and compensated.",
	"inspect": "Usage: foreman plan inspect <plan_id> [--config PATH] [--json]\nRead the full plan report from the local state database.",
}

func printStatusHelp() {
	fmt.Println("Usage: foreman status [--json]")
	fmt.Println("Show active plans, workers, queue state and tier health.")
}

func printAnswerHelp() {
	fmt.Println("Usage: foreman answer <question_id> <text>")
	fmt.Println("Deliver an answer to a paused worker.")
}

func printAutonomySetHelp() {
	fmt.Println("Usage: foreman autonomy set <scope> <level>")
	fmt.Println("Scope is a project id or \"global\"; level is cautious, proactive or scheduled.")
}

func printProposalListHelp() {
	fmt.Println("Usage: foreman proposal list [--status pending|approved|rejected|implemented] [--json]")
	fmt.Println("List enhancement proposals.")
}

func printProposalDecideHelp() {
	fmt.Println("Usage: foreman proposal <approve|reject|implemented> <proposal_id> [--note TEXT]")
	fmt.Println("Record a human decision on a proposal.")
}
