package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProcessData_CloneIsDeep(t *testing.T) {
	p := &ProcessData{
		AssetID: "asset",
		EndpointDataReference: &EndpointDataReference{
			Endpoint:   "http://data",
			Properties: map[string]string{"k": "v"},
		},
	}

	c := p.Clone()
	c.EndpointDataReference.Endpoint = "changed"
	c.EndpointDataReference.Properties["k"] = "changed"

	assert.Equal(t, "http://data", p.EndpointDataReference.Endpoint)
	assert.Equal(t, "v", p.EndpointDataReference.Properties["k"])
	assert.Nil(t, (*ProcessData)(nil).Clone())
}

func TestProcessData_SetError(t *testing.T) {
	p := &ProcessData{}
	assert.False(t, p.HasError())
	p.SetError(502, "Contract for asset is declined.")
	assert.True(t, p.HasError())
	assert.Equal(t, "Contract for asset is declined.", p.ErrorMessage)
}

func TestAgreement_ValidAt(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		a    *Agreement
		want bool
	}{
		{"nil", nil, false},
		{"current", &Agreement{StartDate: now.Add(-time.Hour), EndDate: now.Add(time.Hour)}, true},
		{"expired", &Agreement{StartDate: now.Add(-2 * time.Hour), EndDate: now.Add(-time.Hour)}, false},
		{"not started", &Agreement{StartDate: now.Add(time.Hour), EndDate: now.Add(2 * time.Hour)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.ValidAt(now))
		})
	}
}

func TestContractInfo_IsConfirmed(t *testing.T) {
	assert.True(t, ContractInfo{Status: ContractConfirmed, AgreementID: "a"}.IsConfirmed())
	assert.False(t, ContractInfo{Status: ContractDeclined}.IsConfirmed())
	assert.False(t, ContractInfo{Status: ContractError}.IsConfirmed())
}
