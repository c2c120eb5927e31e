// Botanical Database CLI Tool
// Provides read-only command-line access to the command queue database
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/botanical/plant-controller/internal/storage"
)

var (
	dbPath  string
	rootCmd = &cobra.Command{
		Use:   "botanical-db",
		Short: "Botanical Database CLI",
		Long:  "Command-line tool for inspecting the plant command queue database.",
	}

	readingsCmd = &cobra.Command{
		Use:   "readings [device-id]",
		Short: "Show stored telemetry readings",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showReadings,
	}

	commandsCmd = &cobra.Command{
		Use:   "commands [device-id]",
		Short: "Show queued and delivered commands",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showCommands,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE:  showStats,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw SQL query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}

	limit       int
	pendingOnly bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/botanical/queue.db", "Database path")

	readingsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of readings to show")
	commandsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of commands to show")
	commandsCmd.Flags().BoolVarP(&pendingOnly, "pending", "p", false, "Only show commands not yet delivered")

	rootCmd.AddCommand(readingsCmd)
	rootCmd.AddCommand(commandsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openDB() (*storage.DB, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("database not found: %s", dbPath)
	}
	return storage.OpenReadOnly(dbPath)
}

func showReadings(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	deviceID := ""
	if len(args) > 0 {
		deviceID = args[0]
	}

	readings, err := db.ListReadings(cmd.Context(), deviceID, limit)
	if err != nil {
		return err
	}
	if len(readings) == 0 {
		fmt.Println("No readings found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDEVICE\tTIME\tTEMP °C\tHUMIDITY\tMOISTURE V\tLUX\tWATER")
	fmt.Fprintln(w, "--\t------\t----\t-------\t--------\t----------\t---\t-----")
	for _, r := range readings {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			r.DeviceID,
			r.Timestamp.Local().Format("2006-01-02 15:04:05"),
			formatFloat(r.Temperature, 1),
			formatFloat(r.Humidity, 1),
			formatFloat(r.MoistureVoltage, 2),
			formatFloat(r.LightLux, 2),
			formatBool(r.WaterDetected),
		)
	}
	w.Flush()
	return nil
}

func showCommands(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	deviceID := ""
	if len(args) > 0 {
		deviceID = args[0]
	}

	cmds, err := db.ListCommands(cmd.Context(), deviceID, pendingOnly, limit)
	if err != nil {
		return err
	}
	if len(cmds) == 0 {
		fmt.Println("No commands found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDEVICE\tACTION\tQUEUED\tDELIVERED")
	fmt.Fprintln(w, "--\t------\t------\t------\t---------")
	for _, c := range cmds {
		delivered := "pending"
		if c.DeliveredAt != nil {
			delivered = formatAge(*c.DeliveredAt)
		} else if c.Executed {
			delivered = "yes"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			c.ID, c.DeviceID, c.Action, formatAge(c.CreatedAt), delivered)
	}
	w.Flush()
	return nil
}

func showStats(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	stats, err := db.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Println("Database Statistics")
	fmt.Println("===================")
	fmt.Printf("Devices: %d\n", stats.Devices)
	fmt.Printf("Readings: %d\n", stats.Readings)
	fmt.Printf("Commands: %d (pending: %d)\n", stats.Commands, stats.PendingCommands)
	return nil
}

func executeQuery(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	query := args[0]

	// Only allow SELECT queries
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return errors.New("only SELECT queries are allowed")
	}

	rows, err := db.Conn().QueryContext(cmd.Context(), query)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	fmt.Fprintln(w, strings.Repeat("-\t", len(cols)))

	values := make([]interface{}, len(cols))
	valuePtrs := make([]interface{}, len(cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return err
		}

		row := make([]string, 0, len(values))
		for _, v := range values {
			switch val := v.(type) {
			case nil:
				row = append(row, "NULL")
			case []byte:
				row = append(row, string(val))
			default:
				row = append(row, fmt.Sprintf("%v", val))
			}
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	return rows.Err()
}

func formatFloat(v *float64, prec int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.*f", prec, *v)
}

func formatBool(v *bool) string {
	switch {
	case v == nil:
		return "-"
	case *v:
		return "yes"
	default:
		return "no"
	}
}

func formatAge(t time.Time) string {
	age := time.Since(t)
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds ago", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		return t.Local().Format("2006-01-02 15:04")
	}
}
