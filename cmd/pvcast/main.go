package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/lox/pvcast/internal/api"
	"github.com/lox/pvcast/internal/app"
	"github.com/lox/pvcast/internal/config"
	"github.com/lox/pvcast/internal/notify"
	"github.com/lox/pvcast/internal/store"
)

type Globals struct {
	EnvFile kongdotenv.ENVFileConfig `kong:"optional,name=env-file,default='.env',help='Path to .env file'"`
	DB      string                   `help:"Path to SQLite database." default:"data/pvcast.db" env:"PVCAST_DB"`
	Config  string                   `help:"Path to site configuration." default:"site.yaml" env:"PVCAST_CONFIG"`
}

type CLI struct {
	Globals

	Serve          ServeCmd          `cmd:"" default:"withargs" help:"Run the scheduler and HTTP server."`
	RebuildAstro   RebuildCmd        `cmd:"" name:"rebuild-astronomy-cache" help:"Recompute the astronomy cache."`
	Retrain        RetrainCmd        `cmd:"" name:"retrain-model" help:"Retrain the learned model on finalized days."`
	Reset          ResetCmd          `cmd:"" name:"reset-model" help:"Discard the learned model and its history."`
	GridSearch     GridSearchCmd     `cmd:"" name:"run-grid-search" help:"Search model hyperparameters."`
	Correction     CorrectionCmd     `cmd:"" name:"run-weather-correction" help:"Run the midday weather correction now."`
	BackfillShadow BackfillShadowCmd `cmd:"" name:"backfill-shadow-detection" help:"Classify shadow for a past day."`
	ReplayWeather  ReplayWeatherCmd  `cmd:"" name:"replay-weather-archive" help:"Restore weather from the newest archived forecast payload."`
}

// open builds a service from the global flags. The caller closes it.
func (g *Globals) open(ctx context.Context, redisURL, redisChannel string) (*app.Service, func(), error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(g.DB), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := store.Open(g.DB)
	if err != nil {
		return nil, nil, err
	}
	svc, err := app.New(ctx, app.Options{
		Config:       *cfg,
		DB:           db,
		RedisURL:     redisURL,
		RedisChannel: redisChannel,
	})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return svc, func() {
		if err := svc.Close(); err != nil {
			log.Printf("close: %v", err)
		}
		db.Close()
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type ServeCmd struct {
	Addr         string `help:"HTTP listen address." default:":8080" env:"PVCAST_ADDR"`
	RedisURL     string `help:"Publish events to this Redis instance." env:"PVCAST_REDIS_URL"`
	RedisChannel string `help:"Redis channel for events." default:"${redis_channel}" env:"PVCAST_REDIS_CHANNEL"`
	NoSchedule   bool   `help:"Serve without running scheduled jobs."`
}

func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	svc, closeFn, err := g.open(ctx, c.RedisURL, c.RedisChannel)
	if err != nil {
		return err
	}
	defer closeFn()

	if c.NoSchedule {
		log.Println("scheduling disabled (--no-schedule)")
	} else {
		go svc.Run(ctx)
	}

	log.Printf("starting server on %s", c.Addr)
	return api.NewServer(svc, c.Addr).Run(ctx)
}

// RebuildCmd falls back to the configured window for negative values.
type RebuildCmd struct {
	DaysBack  int `help:"Days before today to rebuild." default:"-1"`
	DaysAhead int `help:"Days after today to rebuild." default:"-1"`
}

func (c *RebuildCmd) Run(ctx context.Context, g *Globals) error {
	svc, closeFn, err := g.open(ctx, "", "")
	if err != nil {
		return err
	}
	defer closeFn()
	back, ahead := c.DaysBack, c.DaysAhead
	if back < 0 {
		back = svc.Config().Astronomy.RebuildDaysBack
	}
	if ahead < 0 {
		ahead = svc.Config().Astronomy.RebuildDaysAhead
	}
	stats, err := svc.RebuildAstronomy(ctx, back, ahead)
	if err != nil {
		return err
	}
	return printJSON(stats)
}

type RetrainCmd struct{}

func (c *RetrainCmd) Run(ctx context.Context, g *Globals) error {
	svc, closeFn, err := g.open(ctx, "", "")
	if err != nil {
		return err
	}
	defer closeFn()
	res, err := svc.Retrain(ctx)
	if err != nil {
		return err
	}
	return printJSON(res)
}

type ResetCmd struct{}

func (c *ResetCmd) Run(ctx context.Context, g *Globals) error {
	svc, closeFn, err := g.open(ctx, "", "")
	if err != nil {
		return err
	}
	defer closeFn()
	status, err := svc.ResetModel()
	if err != nil {
		return err
	}
	return printJSON(status)
}

type GridSearchCmd struct {
	RetrainAfter bool `help:"Retrain with the best parameters found."`
}

func (c *GridSearchCmd) Run(ctx context.Context, g *Globals) error {
	svc, closeFn, err := g.open(ctx, "", "")
	if err != nil {
		return err
	}
	defer closeFn()
	res, err := svc.RunGridSearch(ctx, c.RetrainAfter)
	if err != nil {
		return err
	}
	return printJSON(res)
}

type CorrectionCmd struct{}

func (c *CorrectionCmd) Run(ctx context.Context, g *Globals) error {
	svc, closeFn, err := g.open(ctx, "", "")
	if err != nil {
		return err
	}
	defer closeFn()
	res, err := svc.RunWeatherCorrection(ctx)
	if err != nil {
		return err
	}
	return printJSON(res)
}

type BackfillShadowCmd struct {
	Date string `help:"Day to backfill (YYYY-MM-DD), defaults to yesterday."`
}

func (c *BackfillShadowCmd) Run(ctx context.Context, g *Globals) error {
	svc, closeFn, err := g.open(ctx, "", "")
	if err != nil {
		return err
	}
	defer closeFn()

	date := svc.Clock().Now().In(svc.Location()).AddDate(0, 0, -1)
	if c.Date != "" {
		date, err = time.ParseInLocation(time.DateOnly, c.Date, svc.Location())
		if err != nil {
			return fmt.Errorf("%w: date must be YYYY-MM-DD", app.ErrInvalidArgument)
		}
	}
	res, err := svc.BackfillShadows(ctx, date)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("pvcast"),
		kong.Description("Solar PV production forecaster."),
		kong.UsageOnError(),
		kong.Vars{"redis_channel": notify.DefaultChannel},
		kong.Bind(&cli.Globals),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	if err := kctx.Run(); err != nil {
		log.Fatalf("%s: %v", kctx.Command(), err)
	}
}

type ReplayWeatherCmd struct{}

func (c *ReplayWeatherCmd) Run(ctx context.Context, g *Globals) error {
	svc, closeFn, err := g.open(ctx, "", "")
	if err != nil {
		return err
	}
	defer closeFn()
	res, err := svc.ReplayWeather(ctx)
	if err != nil {
		return err
	}
	return printJSON(res)
}
