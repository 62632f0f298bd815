// Package analysis groups job failures so recurring upstream problems stand
// out from one-off errors.
package analysis

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

const (
	maxSampleLen     = 2000
	maxNormalizedLen = 500
	maxSampleJobs    = 5
)

var (
	reExtractorTag = regexp.MustCompile(`(?i)^(error:\s*)?\[([a-z0-9_:-]+)\]\s*[^\s:]+:\s*`)
	reURL          = regexp.MustCompile(`https?://\S+`)
	reHexAddr      = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	reUUID         = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reDecimal      = regexp.MustCompile(`\d+\.\d+`)
	reLongNumber   = regexp.MustCompile(`\d{4,}`)
	reWhitespace   = regexp.MustCompile(`\s+`)
)

// ClusterFailures groups the failed jobs among jobs by error kind and
// normalized message. Other states are ignored. Clusters are sorted by count,
// then kind severity, then recency. The result is never nil.
func ClusterFailures(jobs []*models.Job) []models.FailureCluster {
	type clusterState struct {
		cluster   models.FailureCluster
		platforms map[string]struct{}
	}

	groups := make(map[string]*clusterState)
	for _, job := range jobs {
		if job == nil || job.State != models.JobStateFailed || job.Error == nil {
			continue
		}
		fp := Fingerprint(job.Error.Kind, job.Error.Message)
		seen := failedAt(job)

		cs, ok := groups[fp]
		if !ok {
			cs = &clusterState{
				cluster: models.FailureCluster{
					Fingerprint:   fp,
					Kind:          job.Error.Kind,
					FirstSeenAt:   seen,
					LastSeenAt:    seen,
					SampleMessage: truncateString(job.Error.Message, maxSampleLen),
				},
				platforms: make(map[string]struct{}),
			}
			groups[fp] = cs
		}

		c := &cs.cluster
		c.Count++
		if seen.Before(c.FirstSeenAt) {
			c.FirstSeenAt = seen
		}
		if seen.After(c.LastSeenAt) {
			c.LastSeenAt = seen
			c.SampleMessage = truncateString(job.Error.Message, maxSampleLen)
		}
		if job.Platform != "" {
			cs.platforms[job.Platform] = struct{}{}
		}
		if len(c.SampleJobIDs) < maxSampleJobs {
			c.SampleJobIDs = append(c.SampleJobIDs, job.ID)
		}
	}

	clusters := make([]models.FailureCluster, 0, len(groups))
	for _, cs := range groups {
		c := cs.cluster
		c.Platforms = make([]string, 0, len(cs.platforms))
		for p := range cs.platforms {
			c.Platforms = append(c.Platforms, p)
		}
		sort.Strings(c.Platforms)
		sortJobIDs(c.SampleJobIDs)
		clusters = append(clusters, c)
	}

	sort.Slice(clusters, func(i, j int) bool {
		a, b := clusters[i], clusters[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if sa, sb := KindSeverity(a.Kind), KindSeverity(b.Kind); sa != sb {
			return sa > sb
		}
		if !a.LastSeenAt.Equal(b.LastSeenAt) {
			return a.LastSeenAt.After(b.LastSeenAt)
		}
		return a.Fingerprint < b.Fingerprint
	})

	return clusters
}

// Fingerprint computes a stable SHA-256 fingerprint for a failure.
func Fingerprint(kind models.ErrorKind, message string) string {
	hash := sha256.Sum256([]byte(string(kind) + "\x00" + NormalizeMessage(message)))
	return fmt.Sprintf("%x", hash)
}

// NormalizeMessage strips the parts of an error message that vary between
// otherwise identical failures: video IDs, URLs, addresses and counters.
func NormalizeMessage(msg string) string {
	msg = reExtractorTag.ReplaceAllString(msg, "[$2] ")
	msg = reURL.ReplaceAllString(msg, "URL")
	msg = reUUID.ReplaceAllString(msg, "UUID")
	msg = reHexAddr.ReplaceAllString(msg, "0xADDR")
	msg = reDecimal.ReplaceAllString(msg, "N")
	msg = reLongNumber.ReplaceAllString(msg, "N")
	msg = reWhitespace.ReplaceAllString(msg, " ")
	msg = strings.ToLower(msg)
	msg = strings.TrimSpace(msg)
	return truncateString(msg, maxNormalizedLen)
}

// KindSeverity ranks error kinds; failures on our side outrank upstream ones.
func KindSeverity(kind models.ErrorKind) int {
	switch kind {
	case models.ErrorKindInternal:
		return 4
	case models.ErrorKindTranscode:
		return 3
	case models.ErrorKindAuthRequired:
		return 2
	case models.ErrorKindUnsupported, models.ErrorKindNotFound:
		return 1
	default:
		return 0
	}
}

func failedAt(job *models.Job) time.Time {
	if job.FinishedAt != nil {
		return job.FinishedAt.UTC()
	}
	return job.CreatedAt.UTC()
}

func sortJobIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
