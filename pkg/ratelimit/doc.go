// Package ratelimit paces requests against gallery servers.
//
// Two mechanisms are provided:
//
// Token Bucket:
//   - Fixed capacity bucket that refills after a specified period
//   - Used to pace discovery page fetches, which are bursty but cheap
//
// Adaptive Limiter:
//   - A per-request delay that doubles on a throttle response and slowly
//     ramps back toward a floor after a sustained run of clean responses
//   - Used to pace downloads; ordinary photos and heavy media (video,
//     archives) get separate limiters with very different bounds, routed
//     by Selector based on file extension
//
// Usage:
//
//	// Token bucket: 120 page fetches per minute
//	limiter := ratelimit.NewTokenBucket(120, time.Minute)
//	limiter.Wait()
//
//	// Adaptive download pacing
//	sel := ratelimit.NewSelector(350*time.Millisecond, 3*time.Second,
//		4*time.Second, 20*time.Second)
//	lim := sel.For("clip.mp4") // heavy-media limiter
//	_ = lim.Wait(ctx)
//	lim.ReportSuccess()
package ratelimit
