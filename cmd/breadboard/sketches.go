package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/breadboard/internal/config"
	"github.com/michaelbrown/breadboard/internal/storage"
	"github.com/michaelbrown/breadboard/internal/storage/sqlite"
)

var (
	limitFlag int
	forceFlag bool
	nameFlag  string
)

var sketchesCmd = &cobra.Command{
	Use:     "sketches",
	Aliases: []string{"sketch", "sk"},
	Short:   "Manage saved sketches",
}

var sketchesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved sketches",
	RunE:  runSketchesList,
}

var sketchesShowCmd = &cobra.Command{
	Use:   "show <sketch-id>",
	Short: "Print a sketch's source",
	Args:  cobra.ExactArgs(1),
	RunE:  runSketchesShow,
}

var sketchesSaveCmd = &cobra.Command{
	Use:   "save <sketch.ino>",
	Short: "Save a sketch file to the store",
	Args:  cobra.ExactArgs(1),
	RunE:  runSketchesSave,
}

var sketchesDeleteCmd = &cobra.Command{
	Use:   "delete <sketch-id>",
	Short: "Delete a sketch",
	Args:  cobra.ExactArgs(1),
	RunE:  runSketchesDelete,
}

func init() {
	rootCmd.AddCommand(sketchesCmd)
	sketchesCmd.AddCommand(sketchesListCmd, sketchesShowCmd, sketchesSaveCmd, sketchesDeleteCmd)

	sketchesListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max sketches to show")
	sketchesSaveCmd.Flags().StringVar(&nameFlag, "name", "", "Sketch name (default: file name)")
	sketchesDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func openStore() (storage.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

func runSketchesList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sketches, err := store.ListSketches(context.Background(), storage.ListOptions{Limit: limitFlag})
	if err != nil {
		return err
	}
	if len(sketches) == 0 {
		fmt.Println("No sketches saved.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tUPDATED")
	for _, sk := range sketches {
		fmt.Fprintf(w, "%.8s\t%s\t%s\n", sk.ID, sk.Name, sk.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runSketchesShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sk, err := store.GetSketch(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("// %s (%s)\n", sk.Name, sk.ID)
	fmt.Println(sk.Code)
	for name, content := range sk.Headers {
		fmt.Printf("\n// --- %s ---\n%s\n", name, content)
	}
	return nil
}

func runSketchesSave(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading sketch: %w", err)
	}

	name := nameFlag
	if name == "" {
		name = args[0]
	}

	sk := &storage.Sketch{
		ID:   uuid.New().String(),
		Name: name,
		Code: string(code),
	}
	if err := store.CreateSketch(context.Background(), sk); err != nil {
		return err
	}
	fmt.Printf("saved %s as %.8s\n", name, sk.ID)
	return nil
}

func runSketchesDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sk, err := store.GetSketch(context.Background(), args[0])
	if err != nil {
		return err
	}

	if !forceFlag {
		fmt.Printf("Delete sketch %q (%.8s)? [y/N] ", sk.Name, sk.ID)
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("aborted")
			return nil
		}
	}

	return store.DeleteSketch(context.Background(), sk.ID)
}
