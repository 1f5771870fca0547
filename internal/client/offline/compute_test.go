package offline

import (
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/purchasesync/internal/client/models"
	"github.com/dmitrijs2005/purchasesync/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func testMapping() *models.ProductEntitlementMapping {
	return &models.ProductEntitlementMapping{Mappings: map[string]models.EntitlementMapping{
		"monthly":        {ProductIdentifier: "monthly", Entitlements: []string{"pro"}},
		"annual:p1y":     {ProductIdentifier: "annual", BasePlanID: "p1y", Entitlements: []string{"pro", "extras"}},
		"lifetime_token": {ProductIdentifier: "lifetime_token", Entitlements: []string{"coins"}},
	}}
}

func TestComputeCustomerInfo_Subscriptions(t *testing.T) {
	purchases := []models.PurchaseRecord{
		{ProductIDs: []string{"monthly"}, Type: models.PurchaseTypeSubscription, PurchaseTime: now.Add(-time.Hour), ExpirationTime: ptr(now.Add(10 * 24 * time.Hour)), Store: models.StorePlayStore, IsAutoRenewing: true},
		{ProductIDs: []string{"annual"}, BasePlanID: "p1y", Type: models.PurchaseTypeSubscription, PurchaseTime: now.Add(-2 * time.Hour), ExpirationTime: ptr(now.Add(300 * 24 * time.Hour))},
	}

	info, err := ComputeCustomerInfo("user_1", testMapping(), purchases, now)
	require.NoError(t, err)

	assert.Equal(t, "user_1", info.OriginalAppUserID)
	assert.Equal(t, models.VerificationVerifiedOnDevice, info.Verification)
	assert.Equal(t, []string{"annual:p1y", "monthly"}, info.ActiveSubscriptions)
	require.Len(t, info.Entitlements, 2)

	pro := info.Entitlements["pro"]
	assert.Equal(t, "annual", pro.ProductIdentifier, "later expiration wins")
	assert.Equal(t, "p1y", pro.ProductPlanIdentifier)
	assert.True(t, pro.IsActive)
	assert.False(t, pro.IsSandbox)
	assert.Equal(t, models.StoreUnknown, pro.Store)
	assert.Equal(t, models.VerificationVerifiedOnDevice, pro.Verification)

	extras := info.Entitlements["extras"]
	assert.True(t, extras.ExpirationDate.Equal(now.Add(300*24*time.Hour)))
}

func TestComputeCustomerInfo_LaterExpirationWinsRegardlessOfOrder(t *testing.T) {
	short := models.PurchaseRecord{ProductIDs: []string{"monthly"}, ExpirationTime: ptr(now.Add(time.Hour))}
	long := models.PurchaseRecord{ProductIDs: []string{"annual"}, BasePlanID: "p1y", ExpirationTime: ptr(now.Add(48 * time.Hour))}

	for _, order := range [][]models.PurchaseRecord{{short, long}, {long, short}} {
		info, err := ComputeCustomerInfo("u", testMapping(), order, now)
		require.NoError(t, err)
		assert.Equal(t, "annual", info.Entitlements["pro"].ProductIdentifier)
	}
}

func TestComputeCustomerInfo_MissingExpirationGetsGrace(t *testing.T) {
	info, err := ComputeCustomerInfo("u", testMapping(), []models.PurchaseRecord{
		{ProductIDs: []string{"monthly"}, Store: models.StorePlayStore},
	}, now)
	require.NoError(t, err)

	pro := info.Entitlements["pro"]
	require.NotNil(t, pro.ExpirationDate)
	assert.True(t, pro.ExpirationDate.Equal(now.Add(24*time.Hour)))
	assert.Equal(t, models.StorePlayStore, pro.Store)
}

func TestComputeCustomerInfo_UnmappedProductHasNoEntitlement(t *testing.T) {
	info, err := ComputeCustomerInfo("u", testMapping(), []models.PurchaseRecord{
		{ProductIDs: []string{"unknown"}, ExpirationTime: ptr(now.Add(time.Hour))},
	}, now)
	require.NoError(t, err)
	assert.Empty(t, info.Entitlements)
	assert.Equal(t, []string{"unknown"}, info.ActiveSubscriptions)
}

func TestComputeCustomerInfo_Failures(t *testing.T) {
	t.Run("no mapping", func(t *testing.T) {
		_, err := ComputeCustomerInfo("u", nil, nil, now)
		var unavailable *common.OfflineUnavailableError
		require.ErrorAs(t, err, &unavailable)
		assert.Equal(t, common.OfflineReasonMappingRequired, unavailable.Reason)
	})

	t.Run("in-app purchase present", func(t *testing.T) {
		info, err := ComputeCustomerInfo("u", testMapping(), []models.PurchaseRecord{
			{ProductIDs: []string{"monthly"}, ExpirationTime: ptr(now.Add(time.Hour))},
			{ProductIDs: []string{"lifetime_token"}, Type: models.PurchaseTypeInApp},
		}, now)
		assert.Nil(t, info, "no partial result")
		require.ErrorIs(t, err, common.ErrOfflineUnavailable)
		var unavailable *common.OfflineUnavailableError
		require.True(t, errors.As(err, &unavailable))
		assert.Equal(t, common.OfflineReasonInAppPurchases, unavailable.Reason)
	})
}

func TestComputeCustomerInfo_NoPurchases(t *testing.T) {
	info, err := ComputeCustomerInfo("u", testMapping(), nil, now)
	require.NoError(t, err)
	assert.Empty(t, info.Entitlements)
	assert.Empty(t, info.ActiveSubscriptions)
	assert.Equal(t, models.VerificationVerifiedOnDevice, info.Verification)
}
