package relay

import "errors"

// ErrDeliveryFailed reports that the platform refused an outbound message
// (e.g. the submitter has DMs disabled). The message is already durably
// appended by the time delivery is attempted, so nothing is lost: the
// delivered flag stays false and moderators are warned.
var ErrDeliveryFailed = errors.New("delivery failed")
