package activity

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Stage name prefixes the build pipeline adds to a stage while it waits on,
// times out on, or detects a stuck child job.
var stagePrefixes = []string{"waiting_child_", "timeout_", "stale_"}

// StageOrder is the order of a learning build's stages.
var StageOrder = []string{
	"ingest_chunks",
	"embed_chunks",
	"material_set_summarize",
	"concept_graph_build",
	"concept_cluster_build",
	"chain_signature_build",
	"user_profile_refresh",
	"teaching_patterns_seed",
	"path_plan_build",
	"node_figures_plan_build",
	"node_figures_render",
	"node_videos_plan_build",
	"node_videos_render",
	"node_doc_build",
	"realize_activities",
	"coverage_coherence_audit",
	"progression_compact",
	"variant_stats_refresh",
	"priors_refresh",
	"completed_unit_refresh",
}

var stageLabels = map[string]string{
	"queued":                   "Queued",
	"ingest_chunks":            "Reading your materials",
	"embed_chunks":             "Indexing content",
	"material_set_summarize":   "Summarizing materials",
	"concept_graph_build":      "Mapping concepts",
	"concept_cluster_build":    "Grouping concepts",
	"chain_signature_build":    "Linking concept chains",
	"user_profile_refresh":     "Updating your profile",
	"teaching_patterns_seed":   "Choosing teaching patterns",
	"path_plan_build":          "Planning your path",
	"node_figures_plan_build":  "Planning figures",
	"node_figures_render":      "Rendering figures",
	"node_videos_plan_build":   "Planning videos",
	"node_videos_render":       "Rendering videos",
	"node_doc_build":           "Writing lessons",
	"realize_activities":       "Creating activities",
	"coverage_coherence_audit": "Checking coverage",
	"progression_compact":      "Tightening progression",
	"variant_stats_refresh":    "Refreshing statistics",
	"priors_refresh":           "Refreshing priors",
	"completed_unit_refresh":   "Finishing up",
}

var titleCaser = cases.Title(language.English)

// NormalizeStage lowercases a stage name and strips the waiting_child_,
// timeout_ and stale_ prefixes, so "waiting_child_embed_chunks" compares
// equal to "embed_chunks".
func NormalizeStage(stage string) string {
	s := strings.ToLower(strings.TrimSpace(stage))
	for {
		stripped := false
		for _, p := range stagePrefixes {
			if strings.HasPrefix(s, p) && len(s) > len(p) {
				s = s[len(p):]
				stripped = true
			}
		}
		if !stripped {
			return s
		}
	}
}

// StageIndex returns the position of stage in StageOrder, or -1.
func StageIndex(stage string) int {
	s := NormalizeStage(stage)
	for i, name := range StageOrder {
		if name == s {
			return i
		}
	}
	return -1
}

// Label returns a human readable label for a stage. Unknown stages are
// title-cased from their name.
func Label(stage string) string {
	s := NormalizeStage(stage)
	if s == "" {
		return ""
	}
	if l, ok := stageLabels[s]; ok {
		return l
	}
	return titleCaser.String(strings.ReplaceAll(s, "_", " "))
}

// StageQualifier describes why a raw stage name carried a prefix, or ""
// when it did not.
func StageQualifier(stage string) string {
	s := strings.ToLower(strings.TrimSpace(stage))
	switch {
	case strings.HasPrefix(s, "waiting_child_"):
		return "waiting"
	case strings.HasPrefix(s, "timeout_"):
		return "timed out"
	case strings.HasPrefix(s, "stale_"):
		return "stalled"
	}
	return ""
}
