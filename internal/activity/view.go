package activity

import (
	"sort"
	"time"

	"github.com/Iron-Ham/pathwatch/internal/decode"
	"github.com/Iron-Ham/pathwatch/internal/model"
)

// StageView is one row of a job's stage breakdown.
type StageView struct {
	Name           string
	Label          string
	Status         model.JobStatus
	ChildJobID     string
	ChildJobStatus model.JobStatus
	StartedAt      time.Time
	FinishedAt     time.Time
	Current        bool
}

// View is the projection of the watched job.
type View struct {
	Job          model.Job
	CurrentStage string
	CurrentLabel string
	Qualifier    string
	Stages       []StageView
}

// Empty reports whether no job is being watched.
func (v View) Empty() bool {
	return v.Job.ID == ""
}

// BuildView projects job into a View, parsing the stage breakdown out of
// result.stages. A malformed stages value yields no rows.
func BuildView(job model.Job) View {
	current := NormalizeStage(job.Stage)
	v := View{
		Job:          job,
		CurrentStage: current,
		CurrentLabel: Label(current),
		Qualifier:    StageQualifier(job.Stage),
	}

	stages := decode.Bag(job.Result).Object("stages")
	seen := make(map[string]bool, len(stages))
	for raw := range stages {
		name := NormalizeStage(raw)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		st := stages.Object(raw)
		v.Stages = append(v.Stages, StageView{
			Name:           name,
			Label:          Label(name),
			Status:         model.NormalizeJobStatus(st.String("status")),
			ChildJobID:     st.String("child_job_id", "childJobId"),
			ChildJobStatus: model.NormalizeJobStatus(st.String("child_job_status", "childJobStatus")),
			StartedAt:      st.Time("started_at", "startedAt"),
			FinishedAt:     st.Time("finished_at", "finishedAt"),
		})
	}
	if current != "" && current != "queued" && !seen[current] && !job.Status.IsTerminal() {
		v.Stages = append(v.Stages, StageView{Name: current, Label: Label(current), Status: model.JobRunning})
	}

	sort.SliceStable(v.Stages, func(i, j int) bool {
		a, b := StageIndex(v.Stages[i].Name), StageIndex(v.Stages[j].Name)
		switch {
		case a >= 0 && b >= 0:
			return a < b
		case a >= 0:
			return true
		case b >= 0:
			return false
		}
		return v.Stages[i].Name < v.Stages[j].Name
	})
	for i := range v.Stages {
		v.Stages[i].Current = v.Stages[i].Name == current
	}
	return v
}

// MergeJob overlays the non-zero fields of in onto base. The result map is
// replaced wholesale when in carries one. A terminal base keeps its status
// and ignores non-terminal input; progress never decreases.
func MergeJob(base, in model.Job) model.Job {
	done := base.Status.IsTerminal()
	if done && !in.Status.IsTerminal() {
		return base
	}
	out := base
	if in.ID != "" {
		out.ID = in.ID
	}
	if in.Type != "" {
		out.Type = in.Type
	}
	if in.Status != "" && !done {
		out.Status = in.Status
	}
	if in.Stage != "" && !done {
		out.Stage = in.Stage
	}
	if in.Progress > out.Progress {
		out.Progress = in.Progress
	}
	if in.Message != "" {
		out.Message = in.Message
	}
	if in.Error != "" {
		out.Error = in.Error
	}
	if len(in.Result) > 0 {
		out.Result = in.Result
	}
	if in.OwnerID != "" {
		out.OwnerID = in.OwnerID
	}
	if in.EntityID != "" {
		out.EntityID = in.EntityID
	}
	if !in.CreatedAt.IsZero() {
		out.CreatedAt = in.CreatedAt
	}
	if !in.UpdatedAt.IsZero() {
		out.UpdatedAt = in.UpdatedAt
	}
	return out
}
