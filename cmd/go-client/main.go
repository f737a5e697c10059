// go-client speaks text on this machine the way a student device does:
// premium speech while the plan allows it, local espeak-ng otherwise.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tutor-tts-service/internal/cache"
	"github.com/book-expert/tutor-tts-service/internal/config"
	"github.com/book-expert/tutor-tts-service/internal/core"
	"github.com/book-expert/tutor-tts-service/internal/plan"
	"github.com/book-expert/tutor-tts-service/internal/playback"
	"github.com/book-expert/tutor-tts-service/internal/router"
	"github.com/book-expert/tutor-tts-service/internal/store"
	"github.com/book-expert/tutor-tts-service/internal/tts/audio"
	"github.com/book-expert/tutor-tts-service/internal/tts/fallback"
	"github.com/book-expert/tutor-tts-service/internal/tts/premium"
)

// Flag descriptions.
const (
	flagTextDesc     = "Text to speak"
	flagFileDesc     = "File with one utterance per line"
	flagStudentDesc  = "Student id whose plan is used"
	flagClientDesc   = "Client id of this device"
	flagVoiceDesc    = "Premium voice id"
	flagLanguageDesc = "Requested language tag"
	flagSpeedDesc    = "Speech rate multiplier (0.5 to 2.0)"
	flagVerboseDesc  = "Enable verbose logging"
	flagHealthDesc   = "Check the premium vendor health and exit"
	flagPlanDesc     = "Print the plan status and exit"
)

// Flag names.
const (
	flagText     = "text"
	flagFile     = "file"
	flagStudent  = "student"
	flagClient   = "client"
	flagVoice    = "voice"
	flagLanguage = "language"
	flagSpeed    = "speed"
	flagVerbose  = "verbose"
	flagHealth   = "health"
	flagPlan     = "plan"
)

// Error messages.
const (
	errEitherTextOrFile   = "either --text or --file must be provided"
	errCannotSpecifyBoth  = "cannot specify both --text and --file"
	errPremiumUnavailable = "premium speech is not configured"
	errFailedToLoadConfig = "failed to load configuration: %w"
	errFailedToInitLogger = "failed to initialize logger: %w"
)

// Log messages.
const (
	logClientInitialized = "Speech client initialized for student %q on %q"
	logSpeaking          = "Speaking utterance %d of %d"
	logSpeakFailed       = "Utterance %d failed: %v"
	msgHealthy           = "Premium speech vendor is healthy"
	msgUsage             = "%s: %d of %d characters used, premium %s\n"
)

const (
	logFileNameDefault = "tts-client.log"
	logFileNameVerbose = "tts-client-verbose.log"
	defaultClientID    = "go-client"
	healthTimeout      = 10 * time.Second
)

var (
	errNoUtterances = errors.New(errEitherTextOrFile)
	errBothInputs   = errors.New(errCannotSpecifyBoth)
	errNoPremium    = errors.New(errPremiumUnavailable)
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	text     string
	file     string
	student  string
	client   string
	voice    string
	language string
	speed    float64
	verbose  bool
	health   bool
	plan     bool
}

func main() {
	err := run(os.Args[1:])
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run(args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	if !flags.health && !flags.plan {
		err = validateFlags(flags)
		if err != nil {
			return err
		}
	}

	cfg, clientLog, err := setup(flags.verbose)
	if err != nil {
		return err
	}

	defer func() { _ = clientLog.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flags.health {
		return handleHealthCheck(ctx, cfg)
	}

	subscriptions, closeStore, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}

	defer closeStore()

	speechRouter, err := newRouter(cfg, clientLog, subscriptions, flags)
	if err != nil {
		return err
	}

	clientLog.Info(logClientInitialized, flags.student, flags.client)
	speechRouter.Refresh(ctx)

	if flags.plan {
		printUsage(os.Stdout, speechRouter.View())

		return nil
	}

	utterances, err := collectUtterances(flags)
	if err != nil {
		return err
	}

	return speakAll(ctx, speechRouter, clientLog, utterances, flags)
}

// parseFlags defines and parses command-line flags.
func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	flagSet := flag.NewFlagSet("go-client", flag.ContinueOnError)
	flagSet.StringVar(&flags.text, flagText, "", flagTextDesc)
	flagSet.StringVar(&flags.file, flagFile, "", flagFileDesc)
	flagSet.StringVar(&flags.student, flagStudent, "", flagStudentDesc)
	flagSet.StringVar(&flags.client, flagClient, defaultClientID, flagClientDesc)
	flagSet.StringVar(&flags.voice, flagVoice, "", flagVoiceDesc)
	flagSet.StringVar(&flags.language, flagLanguage, "", flagLanguageDesc)
	flagSet.Float64Var(&flags.speed, flagSpeed, 1.0, flagSpeedDesc)
	flagSet.BoolVar(&flags.verbose, flagVerbose, false, flagVerboseDesc)
	flagSet.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	flagSet.BoolVar(&flags.plan, flagPlan, false, flagPlanDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	return flags, nil
}

// validateFlags checks required and conflicting arguments.
func validateFlags(flags appFlags) error {
	if flags.text == "" && flags.file == "" {
		return errNoUtterances
	}

	if flags.text != "" && flags.file != "" {
		return errBothInputs
	}

	return nil
}

// setup loads config and initializes the logger.
func setup(verbose bool) (*config.Config, *logger.Logger, error) {
	bootstrapLog, err := logger.New(os.TempDir(), "tts-client-bootstrap.log")
	if err != nil {
		return nil, nil, fmt.Errorf(errFailedToInitLogger, err)
	}

	defer func() { _ = bootstrapLog.Close() }()

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		return nil, nil, fmt.Errorf(errFailedToLoadConfig, err)
	}

	logFileName := logFileNameDefault
	if verbose {
		logFileName = logFileNameVerbose
	}

	clientLog, err := logger.New(cfg.Paths.BaseLogsDir, logFileName)
	if err != nil {
		return nil, nil, fmt.Errorf(errFailedToInitLogger, err)
	}

	return cfg, clientLog, nil
}

// handleHealthCheck pings the premium vendor and prints the result.
func handleHealthCheck(ctx context.Context, cfg *config.Config) error {
	if !cfg.PremiumEnabled() {
		return errNoPremium
	}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	client := premium.NewVendorClient(cfg.Premium.BaseURL, healthTimeout, premium.WithAPIKey(cfg.Premium.APIKey()))

	err := client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("premium speech vendor is not healthy: %w", err)
	}

	fmt.Println(msgHealthy)

	return nil
}

func openLedger(ctx context.Context, cfg *config.Config) (core.SubscriptionStore, func(), error) {
	if cfg.Postgres.DSN == "" {
		return store.NewMemory(nil), func() {}, nil
	}

	pool, err := store.Connect(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to usage ledger: %w", err)
	}

	return store.NewPostgres(pool, nil), pool.Close, nil
}

// newRouter assembles the device stack: a small premium cache, espeak-ng as
// the fallback and an external player for premium audio.
func newRouter(
	cfg *config.Config,
	clientLog *logger.Logger,
	subscriptions core.SubscriptionStore,
	flags appFlags,
) (*router.Router, error) {
	fallbackBackend := fallback.NewBackend(fallback.NewESpeakDevice(cfg.Fallback.ESpeakBinary), clientLog, fallback.Options{
		Preferences: cfg.Fallback.Preferences,
		KeepAlive:   cfg.Fallback.KeepAlive(),
		Now:         nil,
	})

	player, err := playback.NewCommandPlayer(cfg.Playback.Command)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio player: %w", err)
	}

	var premiumBackend core.SpeechBackend

	if cfg.PremiumEnabled() {
		format, formatErr := audio.ParseFormat(cfg.Premium.Format)
		if formatErr != nil {
			return nil, fmt.Errorf("invalid premium format: %w", formatErr)
		}

		vendor := premium.NewVendorClient(cfg.Premium.BaseURL, cfg.Premium.Timeout(),
			premium.WithAPIKey(cfg.Premium.APIKey()))

		premiumBackend = premium.NewBackend(vendor, premium.Options{
			Catalog: nil,
			Cache: cache.New(cache.Options{
				Capacity:     cfg.Cache.ClientCapacity,
				TTL:          cfg.Cache.TTL(),
				PrefixLength: cfg.Cache.PrefixLength,
				Now:          nil,
				Observer:     nil,
			}),
			Format:        format,
			MaxInputChars: cfg.Premium.MaxInputChars,
			Observer:      nil,
			Now:           nil,
		})
	}

	return router.New(router.Config{
		StudentID:      flags.student,
		ClientID:       flags.client,
		Premium:        premiumBackend,
		Fallback:       fallbackBackend,
		Ledger:         subscriptions,
		Resolver:       plan.NewResolver(subscriptions, clientLog, nil),
		Player:         playback.NewController(player, fallbackBackend, clientLog),
		Observer:       nil,
		Log:            clientLog,
		PremiumTimeout: cfg.Premium.Timeout(),
		ResolveTimeout: 0,
		Now:            nil,
	}), nil
}

// collectUtterances returns the --text value or the non-blank lines of --file.
func collectUtterances(flags appFlags) ([]string, error) {
	if flags.text != "" {
		return []string{flags.text}, nil
	}

	file, err := os.Open(flags.file)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", flags.file, err)
	}

	defer func() { _ = file.Close() }()

	return readUtterances(file)
}

func readUtterances(reader io.Reader) ([]string, error) {
	var utterances []string

	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			utterances = append(utterances, line)
		}
	}

	err := scanner.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to read utterances: %w", err)
	}

	if len(utterances) == 0 {
		return nil, errNoUtterances
	}

	return utterances, nil
}

func speakAll(
	ctx context.Context,
	speechRouter *router.Router,
	clientLog *logger.Logger,
	utterances []string,
	flags appFlags,
) error {
	defer speechRouter.Stop()

	for index, utterance := range utterances {
		if ctx.Err() != nil {
			return nil
		}

		clientLog.Info(logSpeaking, index+1, len(utterances))

		err := speechRouter.Speak(ctx, router.Request{
			Text:     utterance,
			VoiceID:  flags.voice,
			Language: flags.language,
			Speed:    flags.speed,
		})
		if err != nil && !errors.Is(err, core.ErrEmptyText) {
			clientLog.Error(logSpeakFailed, index+1, err)

			return fmt.Errorf("failed to speak utterance %d: %w", index+1, err)
		}
	}

	printUsage(os.Stdout, speechRouter.View())

	return nil
}

func printUsage(out io.Writer, view router.View) {
	state := "off"
	if view.UsingPremium {
		state = "on"
	}

	_, _ = fmt.Fprintf(out, msgUsage, view.Status, view.TTSUsed, view.TTSLimit, state)
}
