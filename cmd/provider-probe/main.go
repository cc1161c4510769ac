// Command provider-probe runs one capability against a configured voice
// driver and reports the result. It reads the same environment as the API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/brandcall/voicecore/internal/config"
	"github.com/brandcall/voicecore/internal/metrics"
	"github.com/brandcall/voicecore/internal/numhub"
	"github.com/brandcall/voicecore/internal/providers/factory"
	"github.com/brandcall/voicecore/internal/util"
	"github.com/brandcall/voicecore/internal/voice"
)

type probeArgs struct {
	driver  string
	from    string
	to      string
	sid     string
	phone   string
	name    string
	code    string
	request string
	brand   string
	timeout time.Duration
}

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	var args probeArgs
	fs := flag.NewFlagSet("provider-probe", flag.ExitOnError)
	fs.StringVar(&args.driver, "driver", "", "driver to probe (defaults to VOICE_DRIVER)")
	fs.StringVar(&args.from, "from", "", "caller number for call")
	fs.StringVar(&args.to, "to", "", "callee number for call")
	fs.StringVar(&args.sid, "sid", "", "call sid for status and hangup")
	fs.StringVar(&args.phone, "phone", "", "number for cnam and otp")
	fs.StringVar(&args.name, "name", "", "caller name for cnam")
	fs.StringVar(&args.code, "code", "", "otp code; generates a challenge when empty")
	fs.StringVar(&args.request, "request", "", "otp request id to verify against")
	fs.StringVar(&args.brand, "brand", "BrandCall Probe", "brand name attached to probe calls")
	fs.DurationVar(&args.timeout, "timeout", 30*time.Second, "overall deadline")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: provider-probe [flags] features|status|call|hangup|cnam|otp")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	capability := strings.ToLower(fs.Arg(0))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), args.timeout)
	defer cancel()

	st, pool, err := factory.Store(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise state store")
	}
	if pool != nil {
		defer pool.Close()
	}
	m := metrics.New(prometheus.NewRegistry())

	out, err := run(ctx, capability, args, cfg, st, m, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("capability", capability).Msg("probe failed")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.Fatal().Err(err).Msg("failed to encode result")
	}
}

func run(ctx context.Context, capability string, args probeArgs, cfg *config.Config, st numhub.Store, m *metrics.Metrics, logger zerolog.Logger) (any, error) {
	if capability == "otp" {
		return probeOTP(ctx, args, cfg, st, m, logger)
	}

	mgr, err := factory.Voice(cfg, st, m, logger)
	if err != nil {
		return nil, err
	}
	name := args.driver
	if name == "" {
		name = mgr.DefaultName()
	}
	driver, err := mgr.Driver(name)
	if err != nil {
		return nil, err
	}
	if !driver.IsConfigured() {
		return nil, fmt.Errorf("driver %s is not configured", driver.Name())
	}

	switch capability {
	case "features":
		return map[string]any{"driver": driver.Name(), "features": driver.Features()}, nil
	case "status":
		if args.sid == "" {
			return nil, fmt.Errorf("-sid is required")
		}
		return check(driver.GetCallStatus(ctx, args.sid), func(r voice.CallStatus) (bool, string) { return r.Success, r.Error })
	case "hangup":
		if args.sid == "" {
			return nil, fmt.Errorf("-sid is required")
		}
		return check(driver.Hangup(ctx, args.sid), func(r voice.Result) (bool, string) { return r.Success, r.Error })
	case "call":
		from, err := util.NormalizeE164(args.from)
		if err != nil {
			return nil, fmt.Errorf("-from: %w", err)
		}
		to, err := util.NormalizeE164(args.to)
		if err != nil {
			return nil, fmt.Errorf("-to: %w", err)
		}
		req := voice.CallRequest{
			Brand:      voice.Brand{ID: "probe", Name: args.brand, ProviderID: cfg.NumHub.DisplayIdentityID},
			From:       from,
			To:         to,
			CallReason: "Connectivity check",
		}
		return check(driver.Call(ctx, req), func(r voice.CallResult) (bool, string) { return r.Success, r.Error })
	case "cnam":
		phone, err := util.NormalizeE164(args.phone)
		if err != nil {
			return nil, fmt.Errorf("-phone: %w", err)
		}
		return check(driver.UpdateCNAM(ctx, phone, args.name), func(r voice.Result) (bool, string) { return r.Success, r.Error })
	default:
		return nil, fmt.Errorf("unknown capability %q", capability)
	}
}

// probeOTP exercises NumHub number verification directly; it is not part of
// the driver contract.
func probeOTP(ctx context.Context, args probeArgs, cfg *config.Config, st numhub.Store, m *metrics.Metrics, logger zerolog.Logger) (any, error) {
	phone, err := util.NormalizeE164(args.phone)
	if err != nil {
		return nil, fmt.Errorf("-phone: %w", err)
	}
	client, err := factory.NumHub(cfg.NumHub, st, m, logger)
	if err != nil {
		return nil, err
	}
	if args.code == "" {
		return client.GenerateOTP(ctx, numhub.OTPRequest{PhoneNumber: phone, Channel: "sms"})
	}
	return client.VerifyOTP(ctx, numhub.OTPVerification{RequestID: args.request, PhoneNumber: phone, Code: args.code})
}

func check[T any](result T, outcome func(T) (bool, string)) (any, error) {
	if ok, msg := outcome(result); !ok {
		return result, fmt.Errorf("provider reported failure: %s", msg)
	}
	return result, nil
}
