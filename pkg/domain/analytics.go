package domain

const (
	DirectReferer     = "Direct"
	AnalyticsDays     = 30
	TopReferrersLimit = 10
)

type ReferrerCount struct {
	Referer string `json:"referer"`
	Views   int64  `json:"views"`
}

type Summary struct {
	TotalViews    int64            `json:"total_views"`
	UniqueViews   int64            `json:"unique_views"`
	ViewsToday    int64            `json:"views_today"`
	ViewsThisWeek int64            `json:"views_this_week"`
	ViewsByDay    map[string]int64 `json:"views_by_day"`
	TopReferrers  []ReferrerCount  `json:"top_referrers"`
}

func (s *Summary) Clone() *Summary {
	if s == nil {
		return nil
	}
	out := *s
	out.ViewsByDay = make(map[string]int64, len(s.ViewsByDay))
	for k, v := range s.ViewsByDay {
		out.ViewsByDay[k] = v
	}
	out.TopReferrers = append([]ReferrerCount(nil), s.TopReferrers...)
	if out.TopReferrers == nil {
		out.TopReferrers = []ReferrerCount{}
	}
	return &out
}
