// Package samples discovers study materials under a corpus root and turns
// them into sample jobs.
package samples

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"gcse-quizgen/internal/models"
)

// DefaultCategory is used for files placed directly in the corpus root.
const DefaultCategory = "general"

var mimeTypes = map[string]string{
	"pdf":  "application/pdf",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"webp": "image/webp",
	"txt":  "text/plain",
	"md":   "text/markdown",
}

var boards = map[string]string{
	"aqa":     "AQA",
	"edexcel": "Edexcel",
	"ocr":     "OCR",
	"wjec":    "WJEC",
	"eduqas":  "Eduqas",
	"ccea":    "CCEA",
}

var (
	prefixPattern = regexp.MustCompile(`^(\d+)`)
	slugPattern   = regexp.MustCompile(`[^a-z0-9]+`)
	wordPattern   = regexp.MustCompile(`[a-z]+`)
)

// MIMEType returns the content type for a sample path, or "" when the
// extension is not accepted.
func MIMEType(path string) string {
	return mimeTypes[strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))]
}

type Options struct {
	QuestionCount int
	// Subject overrides the subject inferred from the category directory.
	Subject string
	// MaxPrefix keeps only files whose numeric name prefix is <= the value.
	MaxPrefix *int
	// Seed shuffles the job order reproducibly.
	Seed *uint64
	// Limit caps the job count after filtering. Zero means no cap.
	Limit int
}

// Discover walks root and returns one job per accepted file. The result is
// deterministic for a given tree and options.
func Discover(ctx context.Context, root string, opts Options) ([]models.SampleJob, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("samples root is required")
	}
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || MIMEType(path) == "" {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	return Select(BuildJobs(root, paths, opts), opts), nil
}

// Select applies the prefix filter, seeded shuffle and limit of opts. jobs is
// left untouched.
func Select(jobs []models.SampleJob, opts Options) []models.SampleJob {
	out := slices.Clone(FilterPrefix(jobs, opts.MaxPrefix))
	if opts.Seed != nil {
		Shuffle(out, *opts.Seed)
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// BuildJobs derives jobs for paths in the given order. IDs combine category
// and file stem, with a numeric suffix when two files collide.
func BuildJobs(root string, paths []string, opts Options) []models.SampleJob {
	title := cases.Title(language.English)
	used := make(map[string]bool, len(paths))
	jobs := make([]models.SampleJob, 0, len(paths))
	for _, p := range paths {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			rel = filepath.Base(p)
		}
		rel = filepath.ToSlash(rel)
		segments := strings.Split(rel, "/")

		category := DefaultCategory
		if len(segments) > 1 {
			category = segments[0]
		}
		base := segments[len(segments)-1]
		stem := strings.TrimSuffix(base, filepath.Ext(base))

		id := uniqueID(slug(category)+"-"+slug(stem), used)

		subject := opts.Subject
		if subject == "" && category != DefaultCategory {
			subject = title.String(strings.ReplaceAll(category, "_", " "))
		}

		jobs = append(jobs, models.SampleJob{
			ID:                 id,
			Category:           category,
			SourcePath:         p,
			RelativeSourcePath: rel,
			QuestionCount:      opts.QuestionCount,
			Subject:            subject,
			Board:              inferBoard(segments),
			Prefix:             parsePrefix(base),
		})
	}
	return jobs
}

// uniqueID returns base, or base-N with the smallest N >= 2 not yet taken,
// and records the result.
func uniqueID(base string, used map[string]bool) string {
	id := base
	for n := 2; used[id]; n++ {
		id = fmt.Sprintf("%s-%d", base, n)
	}
	used[id] = true
	return id
}

func slug(s string) string {
	out := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if out == "" {
		return "sample"
	}
	return out
}

func parsePrefix(name string) *int {
	m := prefixPattern.FindString(name)
	if m == "" {
		return nil
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return nil
	}
	return &n
}

func inferBoard(segments []string) string {
	for _, seg := range segments {
		for _, w := range wordPattern.FindAllString(strings.ToLower(seg), -1) {
			if b, ok := boards[w]; ok {
				return b
			}
		}
	}
	return ""
}

// FilterPrefix drops jobs without a numeric prefix or with one above
// maxPrefix.
func FilterPrefix(jobs []models.SampleJob, maxPrefix *int) []models.SampleJob {
	if maxPrefix == nil {
		return jobs
	}
	out := jobs[:0:0]
	for _, j := range jobs {
		if j.Prefix != nil && *j.Prefix <= *maxPrefix {
			out = append(out, j)
		}
	}
	return out
}

// Shuffle permutes jobs in place with a PCG source seeded by seed.
func Shuffle(jobs []models.SampleJob, seed uint64) {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	r.Shuffle(len(jobs), func(i, j int) { jobs[i], jobs[j] = jobs[j], jobs[i] })
}

// FilterIDs keeps jobs whose id is in ids, preserving order.
func FilterIDs(jobs []models.SampleJob, ids []string) []models.SampleJob {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := jobs[:0:0]
	for _, j := range jobs {
		if want[j.ID] {
			out = append(out, j)
		}
	}
	return out
}
