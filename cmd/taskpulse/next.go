package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"taskpulse/internal/domain"
	"taskpulse/internal/schedule"
)

var nextCmd = &cobra.Command{
	Use:   "next",
	Short: "Print the upcoming fire times of a cron expression or interval",
	Example: `  taskpulse next --cron "0 9 * * 1" -n 3
  taskpulse next --interval 900 --from 2026-10-17T10:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		expr, _ := flags.GetString("cron")
		every, _ := flags.GetInt("interval")
		count, _ := flags.GetInt("count")
		tz, _ := flags.GetString("tz")
		fromRaw, _ := flags.GetString("from")

		loc, err := time.LoadLocation(tz)
		if err != nil {
			return err
		}
		from := time.Now()
		if fromRaw != "" {
			if from, err = time.Parse(time.RFC3339, fromRaw); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
		}

		var s domain.Schedule
		switch {
		case expr != "" && every != 0:
			return errors.New("use either --cron or --interval")
		case expr != "":
			if err := schedule.ValidateCronExpression(expr); err != nil {
				return fmt.Errorf("--cron: %w", err)
			}
			f, _ := schedule.FieldsFromExpression(expr)
			s = domain.Schedule{Type: domain.ScheduleCron, Cron: &f}
		case every != 0:
			s = domain.Schedule{Type: domain.ScheduleInterval, IntervalSeconds: every}
		default:
			return errors.New("one of --cron or --interval is required")
		}

		times, err := upcoming(schedule.NewCalculator(loc), s, from, count)
		if err != nil {
			return err
		}
		for _, t := range times {
			fmt.Fprintln(cmd.OutOrStdout(), t.In(loc).Format(time.RFC3339))
		}
		return nil
	},
}

// upcoming lists the next n fire times of s after from.
func upcoming(calc *schedule.Calculator, s domain.Schedule, from time.Time, n int) ([]time.Time, error) {
	s, err := schedule.Validate(s, from)
	if err != nil {
		return nil, err
	}
	task := domain.Task{Schedule: s, CreatedAt: from}
	out := make([]time.Time, 0, n)
	after := from
	for len(out) < n {
		next, err := calc.Next(task, after)
		if err != nil {
			return out, err
		}
		if next == nil {
			break
		}
		out = append(out, *next)
		after = *next
	}
	return out, nil
}

func init() {
	nextCmd.Flags().String("cron", "", "five-field cron expression")
	nextCmd.Flags().Int("interval", 0, "interval in seconds")
	nextCmd.Flags().IntP("count", "n", 5, "number of fire times to print")
	nextCmd.Flags().String("tz", "UTC", "timezone for cron evaluation and output")
	nextCmd.Flags().String("from", "", "start instant (RFC3339, default now)")
	rootCmd.AddCommand(nextCmd)
}
