// Package onecta bridges local device clients to the Daikin Onecta cloud API.
//
// Each configured account owns three components:
//
//   - TokenVault keeps the OAuth token triple (access token, expiry, rotating
//     refresh token), persists it in a kvstore namespace named after the
//     account, and refreshes it on demand. Concurrent refreshes are coalesced.
//   - CloudGateway is the single authenticated HTTP channel to the cloud API
//     and reports the account's readiness as a Status code.
//   - AuthorizationFlow builds the authorization URL and redeems the code
//     delivered to the redirect callback.
//
// Each configured device is a DeviceSync that polls its gateway device on a
// ticker, flattens the climateControl management point into a
// LocalDeviceState and applies control commands optimistically, reverting
// when the cloud does not answer 204.
//
// Bridge wires accounts and devices together and exposes them over MQTT:
//
//	{prefix}/command/{device}   commands in (CommandMessage)
//	{prefix}/ack/{device}       acknowledgements out (AckMessage)
//	{prefix}/state/{device}     retained state (StateMessage)
//	{prefix}/health/{account}   retained health (HealthMessage)
//
// The cloud allows 200 requests per account per day. Poll intervals are
// checked against that budget at configuration time; at run time the
// gateway only counts and warns.
package onecta
