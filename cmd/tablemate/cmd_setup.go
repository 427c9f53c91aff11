package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/user/tablemate/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if err := runSetup(os.Stdin, os.Stdout, cfg); err != nil {
			return err
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// wizard asks one question per line. Once input runs out every remaining
// question takes its default.
type wizard struct {
	in  *bufio.Scanner
	out io.Writer
	eof bool
}

// ask shows label with its current value and returns the answer, or the
// current value when the answer is blank. Secrets are shown masked and
// never echoed back.
func (w *wizard) ask(key, label, current string) string {
	shown := config.MaskValue(key, current)
	if shown != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", label, shown)
	} else {
		fmt.Fprintf(w.out, "%s: ", label)
	}
	if w.eof || !w.in.Scan() {
		w.eof = true
		return current
	}
	if answer := strings.TrimSpace(w.in.Text()); answer != "" {
		return answer
	}
	return current
}

func (w *wizard) askInt(key, label string, current int) int {
	for {
		answer := w.ask(key, label, strconv.Itoa(current))
		n, err := strconv.Atoi(answer)
		if err == nil && n > 0 {
			return n
		}
		if w.eof {
			return current
		}
		fmt.Fprintln(w.out, "Please enter a positive whole number.")
	}
}

func (w *wizard) choose(key, label string, options []string, current string) string {
	if !slices.Contains(options, current) {
		current = options[0]
	}
	for {
		answer := w.ask(key, fmt.Sprintf("%s (%s)", label, strings.Join(options, ", ")), current)
		if slices.Contains(options, answer) || w.eof {
			return answer
		}
		fmt.Fprintf(w.out, "Please enter one of: %s.\n", strings.Join(options, ", "))
	}
}

// runSetup walks through the settings a new install needs and updates cfg.
// cfg is only changed if the result validates.
func runSetup(in io.Reader, out io.Writer, cfg *config.Config) error {
	w := &wizard{in: bufio.NewScanner(in), out: out}
	next := *cfg
	next.Discord.ChannelIDs = slices.Clone(cfg.Discord.ChannelIDs)

	fmt.Fprintln(out, "Tablemate Setup Wizard")
	fmt.Fprintln(out, "Press Enter to keep the value shown in brackets.")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Model")
	next.LLM.BaseURL = w.ask("llm.base_url", "  Base URL", next.LLM.BaseURL)
	next.LLM.APIKey = w.ask("llm.api_key", "  API key", next.LLM.APIKey)
	next.LLM.Model = w.ask("llm.model", "  Model name", next.LLM.Model)
	next.LLM.MaxTokens = w.askInt("llm.max_tokens", "  Max output tokens", next.LLM.MaxTokens)

	fmt.Fprintln(out, "Chat channels (leave blank to skip)")
	next.Telegram.Token = w.ask("telegram.token", "  Telegram bot token", next.Telegram.Token)
	next.Discord.Token = w.ask("discord.token", "  Discord bot token", next.Discord.Token)

	fmt.Fprintln(out, "Reservations")
	next.Reservation.Store = w.choose("reservation.store", "  Store",
		[]string{config.StoreMemory, config.StoreSQLite, config.StorePostgres}, next.Reservation.Store)
	if next.Reservation.Store == config.StorePostgres {
		next.Reservation.DSN = w.ask("reservation.dsn", "  Postgres connection URL", next.Reservation.DSN)
	}
	next.Reservation.CatalogPath = w.ask("reservation.catalog_path", "  Restaurant catalog file", next.Reservation.CatalogPath)

	if err := next.Validate(); err != nil {
		return err
	}
	*cfg = next
	return nil
}
