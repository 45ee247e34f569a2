package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pbaille/classifier/internal/domain"
)

// trainingFile lists tags and their example entries
type trainingFile struct {
	Tags []struct {
		ID       int64            `yaml:"id"`
		Name     string           `yaml:"name"`
		Bias     float64          `yaml:"bias"`
		Examples []domain.Example `yaml:"examples"`
	} `yaml:"tags"`
}

func trainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "train [file.yaml]",
		Short: "Store tags and their training examples",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read training file: %w", err)
			}
			var file trainingFile
			if err := yaml.Unmarshal(content, &file); err != nil {
				return fmt.Errorf("parse training file %s: %w", args[0], err)
			}

			s, err := getStore(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer s.Close()

			for _, t := range file.Tags {
				if t.ID <= 0 {
					return fmt.Errorf("tag %q: id must be positive", t.Name)
				}
				tag, err := s.SaveTag(cmd.Context(), domain.Tag{ID: t.ID, Name: t.Name, Bias: t.Bias}, t.Examples)
				if err != nil {
					return fmt.Errorf("save tag %d: %w", t.ID, err)
				}
				fmt.Printf("  + %d %s (%d examples)\n", tag.ID, tag.Name, len(t.Examples))
			}
			return nil
		},
	}
}

func tagsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tags",
		Short: "List trained tags",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			s, err := getStore(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer s.Close()

			tags, err := s.ListTags(cmd.Context())
			if err != nil {
				return err
			}
			if len(tags) == 0 {
				fmt.Println("No tags yet.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tBIAS\tMATCHED")
			for _, t := range tags {
				matched, err := s.CountTaggings(cmd.Context(), t.ID, true)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%d\t%s\t%.2f\t%d\n", t.ID, t.Name, t.Bias, matched)
			}
			return w.Flush()
		},
	}
}
