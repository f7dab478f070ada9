package giftcard

// ComputeStatus derives a card status from its balance and expiry.
// A zero balance wins over expiry: an exhausted card that has also expired is redeemed.
// expiresAtUnixUTC == 0 means the card never expires.
func ComputeStatus(remaining AmountCents, expiresAtUnixUTC int64, nowUnixUTC int64) CardStatus {
	if remaining <= 0 {
		return CardStatusRedeemed
	}
	if expiresAtUnixUTC != 0 && expiresAtUnixUTC < nowUnixUTC {
		return CardStatusExpired
	}
	return CardStatusActive
}

// EffectiveStatus is the status every read and write path reports for a card.
// Cancellation is an administrative state that ComputeStatus never produces, so it is kept as stored.
func EffectiveStatus(card GiftCard, nowUnixUTC int64) CardStatus {
	if card.Status == CardStatusCancelled {
		return CardStatusCancelled
	}
	return ComputeStatus(card.RemainingAmount, card.ExpiresAtUnixUTC, nowUnixUTC)
}
