package internal

import "expvar"

var (
	deliveriesTotal   = expvar.NewMap("pluginhub_webhook_deliveries_total")
	signatureFailures = expvar.NewInt("pluginhub_webhook_signature_failures_total")
	buildsCreated     = expvar.NewInt("pluginhub_builds_created_total")
	buildOutcomes     = expvar.NewMap("pluginhub_build_outcomes_total")
	downloadsCounted  = expvar.NewInt("pluginhub_downloads_counted_total")
	downloadsDeduped  = expvar.NewInt("pluginhub_downloads_deduped_total")
)

func IncDelivery(event string) {
	deliveriesTotal.Add(event, 1)
}

func IncSignatureFailure() {
	signatureFailures.Add(1)
}

func IncBuildCreated() {
	buildsCreated.Add(1)
}

func IncBuildOutcome(status string) {
	buildOutcomes.Add(status, 1)
}

func IncDownload(counted bool) {
	if counted {
		downloadsCounted.Add(1)
		return
	}
	downloadsDeduped.Add(1)
}
