// Package linkauth is a Redis-backed identity core for applications that
// sign users in through federated providers (Google, GitHub) while keeping
// account records in their own store.
//
// The engine covers four concerns:
//
//   - Token security: provider tokens are verified against the provider,
//     stored only as keyed digests, and encrypted when they must be held
//     across a linking flow.
//   - Sessions: per-provider sessions with lazy expiry, refresh, explicit
//     revocation, and an oldest-out cap per (user, provider) pair.
//   - Conflict resolution and linking: when a new provider identity
//     collides with an existing account by email, sign-in pauses and a
//     verified linking flow (emailed code, plus the account password when
//     one exists) attaches the identity to the account.
//   - Audit and metrics: every security-relevant operation emits a
//     structured audit event and bumps counters.
//
// Applications plug in their account backend through [UserDirectory] and
// email delivery through [MailSender]. Build an engine with the fluent
// builder:
//
//	engine, err := linkauth.New().
//		WithRedis(rdb).
//		WithUserDirectory(directory).
//		WithMailSender(mailer).
//		WithConfig(cfg).
//		Build()
//	if err != nil {
//		return err
//	}
//	defer engine.Close()
//
//	outcome, err := engine.BeginFederatedAuth(ctx, "google", accessToken, refreshToken)
//
// All errors returned by engine methods are [*AuthError] values carrying a
// stable kind and reason; match them with errors.Is against the exported
// sentinels. Messages and details are safe to show to end users.
package linkauth
