package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/robert-malhotra/cmr-tiler/internal/api"
	"github.com/robert-malhotra/cmr-tiler/internal/assets"
	"github.com/robert-malhotra/cmr-tiler/internal/timeseries"
	"github.com/robert-malhotra/cmr-tiler/internal/tms"
	"github.com/robert-malhotra/cmr-tiler/pkg/server"
)

func newWindowsCmd() *cobra.Command {
	var (
		start, end, step string
		stepIdx, limit   int
	)
	cmd := &cobra.Command{
		Use:   "windows",
		Short: "Print the datetime windows a timeseries request expands to",
		Example: `  cmr-tiler windows --start 2024-01-01T00:00:00Z --end 2024-03-31T23:59:59Z --step P1M
  cmr-tiler windows --start 2024-01-01 --end 2024-01-02 --step PT6H --step-idx 2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := url.Values{}
			v.Set(timeseries.ParamStart, start)
			v.Set(timeseries.ParamEnd, end)
			v.Set(timeseries.ParamStep, step)
			if stepIdx >= 0 {
				v.Set(timeseries.ParamStepIdx, strconv.Itoa(stepIdx))
			}
			req, err := timeseries.ParseRequest(v)
			if err != nil {
				return err
			}
			windows, err := req.Windows(limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, w := range windows {
				fmt.Fprintln(out, w.Label())
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&start, "start", "", "start datetime (RFC 3339 or date)")
	f.StringVar(&end, "end", "", "end datetime (RFC 3339 or date)")
	f.StringVar(&step, "step", "", "ISO 8601 duration, e.g. P1D or PT12H")
	f.IntVar(&stepIdx, "step-idx", -1, "print only this window")
	f.IntVar(&limit, "limit", timeseries.DefaultMaxWindows, "maximum number of windows")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}

func newAssetsCmd() *cobra.Command {
	var (
		conceptID, datetime, bbox, bandsRegex string
		limit                                 int
	)
	cmd := &cobra.Command{
		Use:     "assets",
		Short:   "Run one asset discovery against CMR and print the result as JSON",
		Example: `  cmr-tiler assets --concept-id C2021957657-LPCLOUD --datetime 2024-06-01/2024-06-07 --bbox -105,39,-104,40`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			access, err := assets.ParseAccessMode(cfg.Auth.Access)
			if err != nil {
				return err
			}

			q := assets.Query{Collection: conceptID, Limit: limit, BandsRegex: bandsRegex, Access: access}
			if q.Temporal, err = api.ParseDateTimeInterval(datetime); err != nil {
				return err
			}
			b, err := parseBBox(bbox)
			if err != nil {
				return err
			}
			q.BBox = b

			resolver, closeFn, err := server.NewResolver(cfg, nil, logger)
			if err != nil {
				return err
			}
			defer closeFn()

			list, err := resolver.Resolve(cmd.Context(), q)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(list)
		},
	}
	f := cmd.Flags()
	f.StringVar(&conceptID, "concept-id", "", "CMR collection concept id")
	f.StringVar(&datetime, "datetime", "", "datetime or interval, e.g. 2024-06-01/..")
	f.StringVar(&bbox, "bbox", "-180,-90,180,90", "minx,miny,maxx,maxy in EPSG:4326")
	f.StringVar(&bandsRegex, "bands-regex", "", "regex selecting per-band files")
	f.IntVar(&limit, "limit", assets.DefaultLimit, "maximum number of granules")
	_ = cmd.MarkFlagRequired("concept-id")
	return cmd
}

func parseBBox(s string) (tms.BBox, error) {
	var b tms.BBox
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return b, fmt.Errorf("bbox %q must be minx,miny,maxx,maxy", s)
	}
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return b, fmt.Errorf("bbox %q: %w", s, err)
		}
		b[i] = f
	}
	if !b.Valid() {
		return b, fmt.Errorf("bbox %q: min must not exceed max", s)
	}
	return b, nil
}
