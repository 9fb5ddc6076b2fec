package casework

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitiateSARFiling(t *testing.T) {
	f := newServiceFixture(t, nil)
	tx, user := txContext("tx-1")

	c, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-1", SeverityHigh))
	require.NoError(t, err)
	_, err = f.service.AddNote(context.Background(), c.ID, "analyst", "Layering across five accounts", false)
	require.NoError(t, err)

	filing, err := f.service.InitiateSARFiling(context.Background(), c.ID, "analyst")
	require.NoError(t, err)

	assert.Equal(t, FilingPending, filing.FilingStatus)
	assert.Contains(t, filing.SARNumber, "SAR-US-")
	assert.Equal(t, "analyst", filing.FiledBy)

	require.Len(t, filing.Documents, 2)
	assert.Equal(t, "sar_form", filing.Documents[0].Type)
	assert.Contains(t, filing.Documents[0].Content, "FinCEN")
	assert.Contains(t, filing.Documents[0].Content, c.ID)
	assert.Equal(t, "narrative", filing.Documents[1].Type)
	assert.Contains(t, filing.Documents[1].Content, "Layering across five accounts")

	got, err := f.service.GetCase(c.ID)
	require.NoError(t, err)
	assert.True(t, got.SARFiled)
	assert.Equal(t, filing.SARNumber, got.SARNumber)
	require.NotNil(t, got.SARFiledAt)
	assert.Equal(t, StatusSARFiled, got.Status)
}

func TestInitiateSARFilingRejectsDuplicate(t *testing.T) {
	f := newServiceFixture(t, nil)
	tx, user := txContext("tx-1")

	c, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-1", SeverityHigh))
	require.NoError(t, err)

	_, err = f.service.InitiateSARFiling(context.Background(), c.ID, "analyst")
	require.NoError(t, err)

	_, err = f.service.InitiateSARFiling(context.Background(), c.ID, "analyst")
	assert.ErrorIs(t, err, ErrFilingExists)
}

func TestInitiateSARFilingAllowsRefilingAfterRejection(t *testing.T) {
	f := newServiceFixture(t, nil)
	tx, user := txContext("tx-1")

	c, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-1", SeverityHigh))
	require.NoError(t, err)

	first, err := f.service.InitiateSARFiling(context.Background(), c.ID, "analyst")
	require.NoError(t, err)

	_, err = f.service.UpdateFilingStatus(context.Background(), c.ID, FilingSubmitted, "analyst")
	require.NoError(t, err)
	_, err = f.service.UpdateFilingStatus(context.Background(), c.ID, FilingRejected, "regulator-gateway")
	require.NoError(t, err)

	second, err := f.service.InitiateSARFiling(context.Background(), c.ID, "analyst")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Len(t, f.service.GetFilings(c.ID), 2)

	// The case keeps the original SAR number from the first filing.
	got, err := f.service.GetCase(c.ID)
	require.NoError(t, err)
	assert.Equal(t, first.SARNumber, got.SARNumber)
}

func TestInitiateSARFilingTerminalCaseRejected(t *testing.T) {
	f := newServiceFixture(t, nil)
	tx, user := txContext("tx-1")

	c, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-1", SeverityMedium))
	require.NoError(t, err)
	_, err = f.service.UpdateCaseStatus(context.Background(), c.ID, StatusClosed, "analyst", "")
	require.NoError(t, err)

	_, err = f.service.InitiateSARFiling(context.Background(), c.ID, "analyst")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Empty(t, f.service.GetFilings(c.ID))
}

func TestUpdateFilingStatusForwardOnly(t *testing.T) {
	f := newServiceFixture(t, nil)
	tx, user := txContext("tx-1")

	c, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-1", SeverityHigh))
	require.NoError(t, err)
	_, err = f.service.InitiateSARFiling(context.Background(), c.ID, "analyst")
	require.NoError(t, err)

	filing, err := f.service.UpdateFilingStatus(context.Background(), c.ID, FilingSubmitted, "analyst")
	require.NoError(t, err)
	assert.Equal(t, FilingSubmitted, filing.FilingStatus)

	// Moving back to pending is rejected.
	_, err = f.service.UpdateFilingStatus(context.Background(), c.ID, FilingPending, "analyst")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	filing, err = f.service.UpdateFilingStatus(context.Background(), c.ID, FilingAccepted, "regulator-gateway")
	require.NoError(t, err)
	assert.Equal(t, FilingAccepted, filing.FilingStatus)

	// Accepted is final.
	_, err = f.service.UpdateFilingStatus(context.Background(), c.ID, FilingRejected, "regulator-gateway")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateFilingStatusCannotSkipSubmitted(t *testing.T) {
	f := newServiceFixture(t, nil)
	tx, user := txContext("tx-1")

	c, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-1", SeverityHigh))
	require.NoError(t, err)
	_, err = f.service.InitiateSARFiling(context.Background(), c.ID, "analyst")
	require.NoError(t, err)

	// A pending filing cannot jump straight to a terminal decision.
	_, err = f.service.UpdateFilingStatus(context.Background(), c.ID, FilingAccepted, "regulator-gateway")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.service.UpdateFilingStatus(context.Background(), c.ID, FilingRejected, "regulator-gateway")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	filing, err := f.service.UpdateFilingStatus(context.Background(), c.ID, FilingSubmitted, "analyst")
	require.NoError(t, err)
	assert.Equal(t, FilingSubmitted, filing.FilingStatus)

	filing, err = f.service.UpdateFilingStatus(context.Background(), c.ID, FilingAccepted, "regulator-gateway")
	require.NoError(t, err)
	assert.Equal(t, FilingAccepted, filing.FilingStatus)
}

func TestUpdateFilingStatusAcceptedSchedulesFollowUp(t *testing.T) {
	f := newServiceFixture(t, func(cfg *Config) {
		cfg.SAR.FollowUpDays = 90
	})
	tx, user := txContext("tx-1")

	c, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-1", SeverityHigh))
	require.NoError(t, err)
	_, err = f.service.InitiateSARFiling(context.Background(), c.ID, "analyst")
	require.NoError(t, err)
	_, err = f.service.UpdateFilingStatus(context.Background(), c.ID, FilingSubmitted, "analyst")
	require.NoError(t, err)

	filing, err := f.service.UpdateFilingStatus(context.Background(), c.ID, FilingAccepted, "regulator-gateway")
	require.NoError(t, err)

	assert.True(t, filing.FollowUpRequired)
	require.NotNil(t, filing.FollowUpDate)
	assert.Equal(t, f.clock.Now().AddDate(0, 0, 90), *filing.FollowUpDate)
}

func TestUpdateFilingStatusWithoutFiling(t *testing.T) {
	f := newServiceFixture(t, nil)
	tx, user := txContext("tx-1")

	c, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-1", SeverityMedium))
	require.NoError(t, err)

	_, err = f.service.UpdateFilingStatus(context.Background(), c.ID, FilingSubmitted, "analyst")
	assert.ErrorIs(t, err, ErrFilingNotFound)
}

func TestAutoSARFilingOnThreshold(t *testing.T) {
	f := newServiceFixture(t, func(cfg *Config) {
		cfg.SAR.AutoFileThreshold = 90
	})
	tx, user := txContext("tx-1")

	c, err := f.service.HandleViolation(context.Background(), tx, user, sanctionsViolation("v-1"))
	require.NoError(t, err)

	assert.True(t, c.SARFiled)
	filings := f.service.GetFilings(c.ID)
	require.Len(t, filings, 1)
	assert.Equal(t, "system", filings[0].FiledBy)
}

func TestAutoSARFilingDisabledByDefault(t *testing.T) {
	f := newServiceFixture(t, nil)
	tx, user := txContext("tx-1")

	c, err := f.service.HandleViolation(context.Background(), tx, user, sanctionsViolation("v-1"))
	require.NoError(t, err)

	assert.False(t, c.SARFiled)
	assert.Empty(t, f.service.GetFilings(c.ID))
}

func TestGetFilingsReturnsCopies(t *testing.T) {
	f := newServiceFixture(t, nil)
	tx, user := txContext("tx-1")

	c, err := f.service.HandleViolation(context.Background(), tx, user, kycViolation("v-1", SeverityHigh))
	require.NoError(t, err)
	_, err = f.service.InitiateSARFiling(context.Background(), c.ID, "analyst")
	require.NoError(t, err)

	filings := f.service.GetFilings(c.ID)
	require.Len(t, filings, 1)
	filings[0].FilingStatus = FilingAccepted

	fresh := f.service.GetFilings(c.ID)
	assert.Equal(t, FilingPending, fresh[0].FilingStatus)
}
