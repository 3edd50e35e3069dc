package service

import "github.com/gavelhq/gavel-core/metrics"

var prefix = "bidderd"

func (s *Service) initMetrics() {
	s.metricSubmissions = metrics.Meter.NewInt64Counter(prefix + ".submissions_total")
	s.metricAcceptances = metrics.Meter.NewInt64Counter(prefix + ".accepted_bids_total")
	s.metricRejections = metrics.Meter.NewInt64Counter(prefix + ".rejected_bids_total")
	s.metricEventsApplied = metrics.Meter.NewInt64Counter(prefix + ".applied_events_total")
	s.metricOpenViews = metrics.Meter.NewInt64Counter(prefix + ".opened_views_total")
}
