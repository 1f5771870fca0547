package devicecache

import "encoding/base64"

// DefaultPrefix namespaces every key this package writes.
const DefaultPrefix = "com.purchasesync"

const (
	entryCustomerInfo        = "customer_info"
	entryCustomerInfoUpdated = "customer_info_last_updated"
)

// keys builds storage keys. User ids are base64url encoded in keys so that
// one id can never be a key prefix of another.
type keys struct {
	prefix string
}

func userSegment(appUserID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(appUserID))
}

// legacyAppUserID is the bare prefix, where older installs kept their
// anonymous id.
func (k keys) legacyAppUserID() string { return k.prefix }

func (k keys) appUserID() string { return k.prefix + ".app_user_id" }

func (k keys) userNamespace(appUserID string) string {
	return k.prefix + ".user." + userSegment(appUserID) + "."
}

func (k keys) customerInfo(appUserID string) string {
	return k.userNamespace(appUserID) + entryCustomerInfo
}

func (k keys) customerInfoUpdated(appUserID string) string {
	return k.userNamespace(appUserID) + entryCustomerInfoUpdated
}

func (k keys) attributes(appUserID string) string {
	return k.prefix + ".attributes." + userSegment(appUserID)
}

func (k keys) mapping() string { return k.prefix + ".product_entitlement_mapping" }

func (k keys) mappingUpdated() string { return k.prefix + ".product_entitlement_mapping_last_updated" }
