package setup

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/tradeledger/config"
	"gopkg.in/yaml.v3"
)

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
)

// Answers collects everything the wizard asks for.
type Answers struct {
	Ledger          string
	TradeLog        string
	PostgresDSN     string
	RedisAddr       string
	RedisChannel    string
	KafkaBrokers    string
	KafkaTopic      string
	DefaultCurrency string
	WebAddr         string
	TLSDomains      string
	SeedAccount     string
	SeedAmount      string
	MaxRetries      string
	LogLevel        string
}

func defaultAnswers() Answers {
	d := config.Default()
	return Answers{
		Ledger:          d.LedgerBackend,
		TradeLog:        d.TradeLogBackend,
		RedisAddr:       d.Redis.Addr,
		KafkaTopic:      d.Kafka.Topic,
		DefaultCurrency: d.DefaultCurrency,
		WebAddr:         d.Web.Addr,
		SeedAmount:      "0",
		MaxRetries:      strconv.Itoa(d.Retry.MaxRetries),
		LogLevel:        d.Log.Level,
	}
}

func screen(step string) {
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("TRADELEDGER CONFIG WIZARD"))
	fmt.Println(stepStyle.Render(step))
}

// RunTUI launches the terminal configuration wizard and writes the result to path.
func RunTUI(path string) error {
	if path == "" {
		path = config.DefaultPath
	}
	a := defaultAnswers()
	var confirm bool

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("TRADELEDGER CONFIG WIZARD"))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Pick where balances and trades live.\n"))

	fmt.Println(stepStyle.Render("STEP 1: STORAGE"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Ledger backend").
				Options(
					huh.NewOption("In memory (lost on restart)", config.BackendMemory),
					huh.NewOption("PostgreSQL", config.BackendPostgres),
					huh.NewOption("Redis", config.BackendRedis),
				).
				Value(&a.Ledger),
			huh.NewSelect[string]().
				Title("Trade log backend").
				Options(
					huh.NewOption("In memory (lost on restart)", config.BackendMemory),
					huh.NewOption("Write-ahead log on disk", config.BackendWAL),
					huh.NewOption("PostgreSQL", config.BackendPostgres),
				).
				Value(&a.TradeLog),
		),
	).Run()
	if err != nil {
		return err
	}

	cfg := config.Default()
	cfg.LedgerBackend, cfg.TradeLogBackend = a.Ledger, a.TradeLog

	var connFields []huh.Field
	if cfg.NeedsPostgres() {
		connFields = append(connFields, huh.NewInput().
			Title("PostgreSQL DSN").
			Description("Leave empty to use " + config.EnvPostgresDSN).
			Value(&a.PostgresDSN))
	}
	if a.Ledger == config.BackendRedis {
		connFields = append(connFields, huh.NewInput().
			Title("Redis address").
			Value(&a.RedisAddr))
	}
	if len(connFields) > 0 {
		screen("STEP 2: CONNECTIONS")
		if err := huh.NewForm(huh.NewGroup(connFields...)).Run(); err != nil {
			return err
		}
	}

	screen("STEP 3: COMMIT FEEDS")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Redis pub/sub channel").
				Description("Empty disables the Redis feed").
				Value(&a.RedisChannel),
			huh.NewInput().
				Title("Kafka brokers").
				Description("Comma separated, empty disables the Kafka feed").
				Value(&a.KafkaBrokers),
			huh.NewInput().
				Title("Kafka topic").
				Value(&a.KafkaTopic),
		),
	).Run()
	if err != nil {
		return err
	}

	screen("STEP 4: ENGINE")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Default currency").
				Value(&a.DefaultCurrency).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("currency cannot be empty")
					}
					return nil
				}),
			huh.NewInput().
				Title("Max storage retries").
				Value(&a.MaxRetries).
				Validate(validateRetries),
			huh.NewInput().
				Title("Seed account").
				Description("Optional account credited once at startup").
				Value(&a.SeedAccount),
			huh.NewInput().
				Title("Seed amount").
				Value(&a.SeedAmount).
				Validate(validateAmount),
			huh.NewSelect[string]().
				Title("Log level").
				Options(
					huh.NewOption("debug", "debug"),
					huh.NewOption("info", "info"),
					huh.NewOption("warn", "warn"),
				).
				Value(&a.LogLevel),
		),
	).Run()
	if err != nil {
		return err
	}

	screen("STEP 5: HTTP")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen address").
				Value(&a.WebAddr),
			huh.NewInput().
				Title("TLS domains").
				Description("Comma separated, enables automatic certificates").
				Value(&a.TLSDomains),
		),
	).Run()
	if err != nil {
		return err
	}

	screen("FINAL CONFIRMATION")
	summary := fmt.Sprintf(
		"Ledger: %s\nTrade log: %s\nCurrency: %s\nListen: %s\n",
		a.Ledger, a.TradeLog, a.DefaultCurrency, a.WebAddr,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

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
		return errors.New("setup cancelled by user")
	}

	data, err := yaml.Marshal(a.toConfigTmp())
	if err != nil {
		return errors.Wrap(err, "generate yaml")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "save config file")
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s", path)))
	time.Sleep(1500 * time.Millisecond)
	return nil
}

func (a Answers) toConfigTmp() config.ConfigTmp {
	tmp := config.ConfigTmp{
		Ledger:          a.Ledger,
		TradeLog:        a.TradeLog,
		DefaultCurrency: strings.ToUpper(strings.TrimSpace(a.DefaultCurrency)),
		Retry:           config.RetryTmp{MaxRetries: strings.TrimSpace(a.MaxRetries)},
		Log:             config.LogTmp{Level: a.LogLevel},
		Postgres:        config.PostgresTmp{DSN: strings.TrimSpace(a.PostgresDSN)},
		Redis:           config.RedisTmp{Channel: strings.TrimSpace(a.RedisChannel)},
		Web:             config.WebTmp{Addr: strings.TrimSpace(a.WebAddr), TLSDomains: splitList(a.TLSDomains)},
	}
	if a.Ledger == config.BackendRedis || tmp.Redis.Channel != "" {
		tmp.Redis.Addr = strings.TrimSpace(a.RedisAddr)
	}
	if brokers := splitList(a.KafkaBrokers); len(brokers) > 0 {
		tmp.Kafka = config.KafkaTmp{Brokers: brokers, Topic: strings.TrimSpace(a.KafkaTopic)}
	}
	if account := strings.TrimSpace(a.SeedAccount); account != "" {
		tmp.Seeds = []config.SeedTmp{{AccountID: account, Amount: strings.TrimSpace(a.SeedAmount)}}
	}
	return tmp
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

func validateAmount(s string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if d.IsNegative() {
		return fmt.Errorf("must not be negative")
	}
	return nil
}

func validateRetries(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return fmt.Errorf("must be a non-negative integer")
	}
	return nil
}
