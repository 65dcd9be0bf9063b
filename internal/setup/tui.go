// Package setup is an interactive wizard that writes an orbital config file.
package setup

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/orbital/config"
)

// defaultTableName is only suggested by the wizard; the config file has no default.
const defaultTableName = "balances"

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)

	identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// answers holds the raw wizard input.
type answers struct {
	dataDir      string
	dbName       string
	table        string
	startMoney   string
	saveInterval string
	evictAfter   string
	earnTicks    string
	webAddr      string
	tlsDomains   string
	kafkaBrokers string
}

func defaultAnswers() answers {
	d := config.Defaults()
	return answers{
		dataDir:      d.DataDir,
		dbName:       d.Database.Path,
		table:        defaultTableName,
		startMoney:   "100",
		saveInterval: strconv.Itoa(d.Database.SaveInterval),
		evictAfter:   d.Database.EvictAfter.String(),
		earnTicks:    strconv.Itoa(d.Cooldown.EarnTicks),
		webAddr:      d.Web.Addr,
	}
}

// configTmp converts answers into the on-disk config, starting from defaults.
func (a answers) configTmp() (config.ConfigTmp, error) {
	tmp := config.Defaults()

	saveInterval, err := strconv.Atoi(strings.TrimSpace(a.saveInterval))
	if err != nil {
		return config.ConfigTmp{}, fmt.Errorf("save interval: %w", err)
	}
	evictAfter, err := time.ParseDuration(strings.TrimSpace(a.evictAfter))
	if err != nil {
		return config.ConfigTmp{}, fmt.Errorf("evict after: %w", err)
	}
	earnTicks, err := strconv.Atoi(strings.TrimSpace(a.earnTicks))
	if err != nil {
		return config.ConfigTmp{}, fmt.Errorf("earn ticks: %w", err)
	}

	tmp.DataDir = strings.TrimSpace(a.dataDir)
	tmp.Database.Path = strings.TrimSpace(a.dbName)
	tmp.Database.TableName = strings.TrimSpace(a.table)
	tmp.Database.SaveInterval = saveInterval
	tmp.Database.EvictAfter = evictAfter
	tmp.StartMoney = strings.TrimSpace(a.startMoney)
	tmp.Cooldown.EarnTicks = earnTicks
	tmp.Web.Addr = strings.TrimSpace(a.webAddr)
	tmp.Web.TLSDomains = splitList(a.tlsDomains)
	tmp.Events.KafkaBrokers = splitList(a.kafkaBrokers)

	if _, err := tmp.Config(); err != nil {
		return config.ConfigTmp{}, err
	}

	return tmp, nil
}

func (a answers) summary() string {
	return fmt.Sprintf(
		"Database: %s/%s.db (table %s)\nStart money: %s\nSave every: %s min\nEvict after: %s\nEarn cooldown: %s ticks\nHTTP: %s\n",
		a.dataDir, a.dbName, a.table, a.startMoney, a.saveInterval, a.evictAfter, a.earnTicks, a.webAddr,
	)
}

func clearWithHeader(step string) {
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("ORBITAL CONFIG WIZARD"))
	fmt.Println(stepStyle.Render(step))
}

// RunTUI launches the terminal configuration wizard and writes the result to path.
func RunTUI(path string) error {
	a := defaultAnswers()
	var confirm bool

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("ORBITAL CONFIG WIZARD"))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Configure the balance ledger.\n"))

	fmt.Println(stepStyle.Render("STEP 1: STORAGE"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Data directory").
				Description("Holds the SQLite file and the flush journal").
				Value(&a.dataDir).
				Validate(notEmpty("data directory")),
			huh.NewInput().
				Title("Database name").
				Description("File name without the .db extension").
				Value(&a.dbName).
				Validate(notEmpty("database name")),
			huh.NewInput().
				Title("Balance table").
				Value(&a.table).
				Validate(validateTableName),
		),
	).Run()
	if err != nil {
		return err
	}

	clearWithHeader("STEP 2: ECONOMY")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Start money").
				Description("Balance given to an actor on first join").
				Value(&a.startMoney).
				Validate(validateDecimal),
			huh.NewInput().
				Title("Save interval (minutes)").
				Value(&a.saveInterval).
				Validate(validatePositiveInt),
			huh.NewInput().
				Title("Evict departed actors after").
				Description("Duration, e.g. 5m").
				Value(&a.evictAfter).
				Validate(validateDuration),
			huh.NewInput().
				Title("Earn cooldown (ticks)").
				Value(&a.earnTicks).
				Validate(validatePositiveInt),
		),
	).Run()
	if err != nil {
		return err
	}

	clearWithHeader("STEP 3: INTERFACES")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("HTTP listen address").
				Value(&a.webAddr).
				Validate(notEmpty("listen address")),
			huh.NewInput().
				Title("TLS domains").
				Description("Comma separated, empty for plain HTTP").
				Value(&a.tlsDomains),
			huh.NewInput().
				Title("Kafka brokers").
				Description("Comma separated, empty to disable the event sink").
				Value(&a.kafkaBrokers),
		),
	).Run()
	if err != nil {
		return err
	}

	clearWithHeader("FINAL CONFIRMATION")
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(a.summary()))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}
	if !confirm {
		return fmt.Errorf("setup cancelled by user")
	}

	tmp, err := a.configTmp()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := config.SaveTmp(path, tmp); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s", path)))
	return nil
}

func notEmpty(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s cannot be empty", field)
		}
		return nil
	}
}

func validateTableName(s string) error {
	if !identPattern.MatchString(strings.TrimSpace(s)) {
		return fmt.Errorf("must be letters, digits and underscores, not starting with a digit")
	}
	return nil
}

func validateDecimal(s string) error {
	if _, err := decimal.NewFromString(strings.TrimSpace(s)); err != nil {
		return fmt.Errorf("must be a valid number")
	}
	return nil
}

func validatePositiveInt(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return fmt.Errorf("must be a positive integer")
	}
	return nil
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d < 0 {
		return fmt.Errorf("must be a duration like 30s or 5m")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
