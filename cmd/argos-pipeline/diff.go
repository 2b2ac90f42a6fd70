package main

import (
	"fmt"
	"image"
	"os"

	"github.com/spf13/cobra"

	"github.com/argos-ci/argos-pipeline/pkg/imagediff"
)

var (
	diffThreshold float64
	diffOutput    string
	diffMaxPixels int64
)

var diffCmd = &cobra.Command{
	Use:   "diff <base> <compare>",
	Short: "Score the difference between two local images",
	Args:  cobra.ExactArgs(2),
	RunE:  runDiff,
}

func init() {
	rootCmd.AddCommand(diffCmd)
	diffCmd.Flags().Float64Var(&diffThreshold, "threshold", imagediff.DefaultThreshold,
		"diff threshold, higher tolerates larger color distances")
	diffCmd.Flags().StringVarP(&diffOutput, "output", "o", "", "write the diff mask to this PNG file")
	diffCmd.Flags().Int64Var(&diffMaxPixels, "max-pixels", imagediff.DefaultMaxPixels,
		"refuse images with more pixels than this, 0 disables the bound")
}

func runDiff(cmd *cobra.Command, args []string) error {
	base, err := decodeFile(args[0])
	if err != nil {
		return err
	}

	compare, err := decodeFile(args[1])
	if err != nil {
		return err
	}

	res, err := imagediff.Compute(base, compare, imagediff.Options{Threshold: diffThreshold})
	if err != nil {
		return fmt.Errorf("comparing images: %w", err)
	}

	fmt.Printf("score:  %g\n", res.Score)
	fmt.Printf("size:   %dx%d\n", res.Width, res.Height)

	if diffOutput == "" || res.Diff == nil {
		return nil
	}

	data, err := imagediff.EncodePNG(res.Diff)
	if err != nil {
		return err
	}

	if err := os.WriteFile(diffOutput, data, 0o644); err != nil {
		return fmt.Errorf("writing diff: %w", err)
	}

	fmt.Printf("diff:   %s\n", diffOutput)

	return nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	img, err := imagediff.Decode(f, imagediff.Limits{MaxPixels: diffMaxPixels})
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	return img, nil
}
