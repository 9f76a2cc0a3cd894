package replay

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// Reporter writes replay results to an output directory.
type Reporter struct {
	results    *Results
	outputPath string
}

func NewReporter(results *Results, outputPath string) *Reporter {
	return &Reporter{results: results, outputPath: outputPath}
}

// GenerateReport writes replay_summary.txt, transitions.csv and
// replay_results.json.
func (r *Reporter) GenerateReport() error {
	if err := os.MkdirAll(r.outputPath, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := r.writeFile("replay_summary.txt", r.writeSummary); err != nil {
		return err
	}
	if err := r.writeFile("transitions.csv", r.writeTransitions); err != nil {
		return err
	}
	return r.writeFile("replay_results.json", r.writeJSON)
}

func (r *Reporter) writeFile(name string, write func(io.Writer) error) error {
	path := filepath.Join(r.outputPath, name)
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	defer file.Close()

	if err := write(file); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	log.Info().Str("file", path).Msg("Replay report generated")
	return nil
}

func (r *Reporter) writeSummary(w io.Writer) error {
	res := r.results
	fmt.Fprintf(w, "REPLAY RESULTS SUMMARY\n")
	fmt.Fprintf(w, "======================\n\n")
	fmt.Fprintf(w, "Time Period: %s to %s\n",
		res.StartTime.Format(time.RFC3339), res.EndTime.Format(time.RFC3339))
	fmt.Fprintf(w, "Duration: %s\n\n", res.EndTime.Sub(res.StartTime))

	fmt.Fprintf(w, "CLASSIFICATION\n")
	fmt.Fprintf(w, "--------------\n")
	fmt.Fprintf(w, "Samples: %d\n", res.Samples)
	fmt.Fprintf(w, "Windows Classified: %d\n", res.Windows)
	fmt.Fprintf(w, "Failed Windows: %d\n", res.Failures)
	fmt.Fprintf(w, "Label Transitions: %d\n", len(res.Transitions))
	for _, label := range sortedLabels(res.LabelCounts) {
		fmt.Fprintf(w, "  %s: %d (%.1f%%)\n", label, res.LabelCounts[label], r.share(label)*100)
	}

	fmt.Fprintf(w, "\nCONTROL\n")
	fmt.Fprintf(w, "-------\n")
	fmt.Fprintf(w, "Thrust Time: %s\n", res.ThrustTime)
	fmt.Fprintf(w, "Fuel Empty Events: %d\n", res.FuelEmpty)
	fmt.Fprintf(w, "Overheat Events: %d\n", res.Overheats)
	fmt.Fprintf(w, "Final Fuel: %.2f\n", res.FinalFuel)
	fmt.Fprintf(w, "Final Overheat: %.2f\n", res.FinalOverheat)
	return nil
}

func (r *Reporter) writeTransitions(w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"timestamp", "from", "to"}); err != nil {
		return err
	}
	for _, t := range r.results.Transitions {
		if err := writer.Write([]string{t.At.Format(time.RFC3339Nano), t.From, t.To}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func (r *Reporter) writeJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r.results)
}

// share is the fraction of classified windows that produced label.
func (r *Reporter) share(label string) float64 {
	if r.results.Windows == 0 {
		return 0
	}
	return float64(r.results.LabelCounts[label]) / float64(r.results.Windows)
}

func sortedLabels(counts map[string]int) []string {
	labels := make([]string, 0, len(counts))
	for l := range counts {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// PrintSummary prints a summary to console
func (r *Reporter) PrintSummary() {
	res := r.results
	fmt.Println("\n=== REPLAY RESULTS ===")
	fmt.Printf("Samples: %d\n", res.Samples)
	fmt.Printf("Windows Classified: %d\n", res.Windows)
	fmt.Printf("Failed Windows: %d\n", res.Failures)
	for _, label := range sortedLabels(res.LabelCounts) {
		fmt.Printf("%s: %.1f%%\n", label, r.share(label)*100)
	}
	fmt.Printf("Label Transitions: %d\n", len(res.Transitions))
	fmt.Printf("Thrust Time: %s\n", res.ThrustTime)
	fmt.Printf("Overheat Events: %d\n", res.Overheats)
	fmt.Println("======================")
}
