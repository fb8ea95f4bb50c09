package base

// CodeParams identifies a single security.
type CodeParams struct {
	Code string `json:"code" schema:"required,pattern:^[A-Za-z0-9.]+$" description:"Stock code, e.g. 600519 or AAPL"`
}

// SeriesParams selects a bar series for one security.
type SeriesParams struct {
	Code   string `json:"code" schema:"required,pattern:^[A-Za-z0-9.]+$" description:"Stock code, e.g. 600519 or AAPL"`
	Period string `json:"period,omitempty" schema:"enum:day|week|month,default:day" description:"Bar period"`
	Limit  int    `json:"limit,omitempty" schema:"min:1,max:500,default:60" description:"Number of most recent bars"`
}
