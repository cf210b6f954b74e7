package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"portfolio-kanban/board"
	"portfolio-kanban/config"
	"portfolio-kanban/domain"
	"portfolio-kanban/internal/bootstrap"
	"portfolio-kanban/storage"
)

type options struct {
	typeRef      string
	format       string
	user         string
	fields       string
	showPolicies bool
	listTypes    bool
	width        int
}

func main() {
	var opts options
	flag.StringVar(&opts.typeRef, "type", "", "workflow type ref (defaults to the first type)")
	flag.StringVar(&opts.format, "format", "text", "output format: text or json")
	flag.StringVar(&opts.user, "user", "", "load board settings of this user")
	flag.StringVar(&opts.fields, "fields", "", "comma separated extra card fields, overrides user settings")
	flag.BoolVar(&opts.showPolicies, "policies", false, "show column policies")
	flag.BoolVar(&opts.listTypes, "types", false, "list workflow types and exit")
	flag.IntVar(&opts.width, "width", 0, "text column width")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	ctx := context.Background()
	st, closeStore, err := bootstrap.OpenStore(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer closeStore()

	rc, err := bootstrap.Redis(ctx, cfg)
	if err != nil {
		log.Warnf("cache disabled: %v", err)
		rc = nil
	}
	cache := storage.NewCache(st, rc, cfg.CacheTTL)

	if err := run(ctx, os.Stdout, cache, cfg.Workspace, opts); err != nil {
		log.Fatal(err)
	}
}

type settingsSource interface {
	board.Loader
	FetchSettings(ctx context.Context, userID string) (domain.Settings, error)
}

func run(ctx context.Context, w io.Writer, src settingsSource, ws domain.Workspace, opts options) error {
	svc := board.NewService(src, nil)

	if opts.listTypes {
		types, err := svc.Types(ctx, ws.ID)
		if err != nil {
			return err
		}
		for _, t := range types {
			if _, err := fmt.Fprintf(w, "%s\t%s\n", t.Ref, t.Name); err != nil {
				return err
			}
		}
		return nil
	}

	var settings domain.Settings
	if opts.user != "" {
		s, err := src.FetchSettings(ctx, opts.user)
		if err != nil {
			return fmt.Errorf("fetch settings: %w", err)
		}
		settings = s
	}
	if opts.fields != "" {
		settings.Fields = opts.fields
	}
	if opts.showPolicies {
		settings.ShowPolicies = true
	}

	renderer, err := board.NewRenderer(opts.format)
	if err != nil {
		return err
	}
	switch r := renderer.(type) {
	case board.TextRenderer:
		if opts.width > 0 {
			r.ColumnWidth = opts.width
		}
		renderer = r
	case board.JSONRenderer:
		r.Indent = true
		renderer = r
	}

	b, err := svc.Load(ctx, board.Request{Workspace: ws, TypeRef: strings.TrimSpace(opts.typeRef), Settings: settings})
	if err != nil {
		return err
	}
	return renderer.Render(w, b)
}
