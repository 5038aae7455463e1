// Package tpapi provides a client for the TreasurePlay reward API.
//
// The API is split over two hosts: the API host serves the /init handshake
// and the inventory host serves balance and redemption calls.
//
// # Authentication
//
//   - /init: Authorization: Bearer {apiKey}
//   - inventory calls: Authorization: {sessionToken} (raw, no Bearer prefix)
//
// # Basic Usage
//
//	client := tpapi.NewClient(&tpapi.ClientConfig{
//	    APIBaseURL:       "https://testnet.api.treasureplay.com",
//	    InventoryBaseURL: "https://testnet.inventory.treasureplay.com",
//	    APIKey:           "your-api-key",
//	})
//
//	req, err := tpapi.NewInitRequest(tpapi.InitRequestParams{
//	    CUID:          "player-123",
//	    AdvertisingID: "gaid-456",
//	    APIKey:        "your-api-key",
//	})
//	result, err := client.Init(ctx, req, nil)
//
//	inv, err := client.GetInventory(ctx, "coin-id", result.SessionToken)
//	if inv.IsValid() {
//	    balance := inv.Tokens.Int()
//	}
//
// # Error Handling
//
// A failed call returns a nil result and an error wrapping one of the
// package sentinels:
//
//	_, err := client.Redeem(ctx, "", token)
//	switch {
//	case errors.Is(err, tpapi.ErrCanceled):
//	    // caller gave up
//	case errors.Is(err, tpapi.ErrUnexpectedStatus):
//	    var se *tpapi.StatusError
//	    errors.As(err, &se)
//	}
//
// A decoded response may still be unusable; check IsValid, which requires
// both success == true and status == 200.
package tpapi
