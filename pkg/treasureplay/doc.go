// Package treasureplay is the game-facing entry point of the TreasurePlay
// reward SDK.
//
// An SDK value is created once by the host and initialized with a player
// identity. In backend mode it restores any persisted session, performs the
// init handshake in the background and exposes balance checks and
// redemptions:
//
//	sdk := treasureplay.New(treasureplay.WithLogger(logger))
//	defer sdk.Close()
//
//	identity, err := treasureplay.NewUserIdentity("player-42", advertisingID)
//	if err != nil {
//	    return err
//	}
//	if err := sdk.Initialize(ctx, identity, treasureplay.InitOptions{
//	    EnableBackendSession: true,
//	}); err != nil {
//	    return err
//	}
//	if ok, _ := sdk.WaitForBackend(ctx); !ok {
//	    // retry later with RetryBackendInit
//	}
//	balance := sdk.CheckRewards(ctx) // -1 on failure
//
// Runtime failures are reported as -1 or false and logged; only invalid
// identities and missing configuration are returned as errors.
package treasureplay
