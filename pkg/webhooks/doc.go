// Package webhooks notifies external endpoints when propagation jobs finish.
//
// A Dispatcher is registered with the engine as a job listener. Every
// finished job becomes one Event, POSTed as JSON to each configured
// endpoint:
//
//	d := webhooks.NewDispatcher(webhooks.Config{
//		Endpoints: []webhooks.Endpoint{{URL: "https://ops.example.com/hooks", Secret: secret}},
//	}, async.NewBackground(log, time.Minute), log, metrics)
//	e := engine.New(engine.Deps{..., JobListeners: []propagation.JobListener{d}}, cfg, log, metrics)
//
// Requests carry X-Gatehouse-Event, X-Gatehouse-Delivery and, when the
// endpoint has a secret, X-Gatehouse-Signature: sha256=<hex HMAC of body>.
// Receivers check it with VerifySignature.
//
// Network errors, 429 and 5xx responses are retried with exponential
// backoff; other 4xx responses fail the delivery at once. Recent deliveries
// are kept in a bounded DeliveryLogStore.
package webhooks
