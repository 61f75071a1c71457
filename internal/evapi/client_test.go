package evapi

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/cargabot/cargabot/internal/config"
)

// fakeDoer answers each URL path with a canned body and records what the
// client sent.
type fakeDoer struct {
	responses map[string]string
	err       error

	lastMethod string
	lastURL    string
	lastBody   []byte
}

func (f *fakeDoer) Do(_ context.Context, method, url string, body []byte) ([]byte, error) {
	f.lastMethod = method
	f.lastURL = url
	f.lastBody = body
	if f.err != nil {
		return nil, f.err
	}
	for path, resp := range f.responses {
		if len(url) >= len(path) && url[len(url)-len(path):] == path {
			return []byte(resp), nil
		}
	}
	return []byte(`{}`), nil
}

func newTestClient(doer *fakeDoer) *Client {
	cfg := &config.Config{Provider: config.Provider{APIBaseURL: "https://api.example/m"}}
	return NewClient(cfg, doer)
}

const chargePointDoc = `[
  {
    "cpId": 9001,
    "locationData": {"cuprId": 123, "cuprName": "Plaza Mayor"},
    "logicalSocket": [
      {
        "logicalSocketId": 11,
        "physicalSocket": [
          {
            "physicalSocketId": 111,
            "physicalSocketCode": "A1",
            "socketType": {"socketName": "CCS"},
            "maxPower": 50,
            "status": {"statusCode": "AVAILABLE", "updateDate": "2026-08-31 10:00:00"},
            "appliedRate": {"recharge": {"finalPrice": 0.45}}
          },
          {
            "physicalSocketId": 112,
            "physicalSocketCode": "A2",
            "socketType": {"socketName": "Type 2"},
            "maxPower": 22,
            "status": {"statusCode": "OCCUPIED", "updateDate": "2026-08-31 09:55:00"}
          }
        ]
      }
    ]
  },
  {
    "cpId": 9002,
    "locationData": {"cuprId": 456, "cuprName": "Estacion Norte"},
    "logicalSocket": [
      {
        "logicalSocketId": 21,
        "physicalSocket": [
          {"physicalSocketId": 211, "physicalSocketCode": "B1", "socketType": {"socketName": "CHAdeMO"}}
        ]
      }
    ]
  }
]`

func TestConnectorStatusesFlattensNestedDocument(t *testing.T) {
	doer := &fakeDoer{responses: map[string]string{"/appchargepoint/getChargePoint": chargePointDoc}}
	client := newTestClient(doer)

	connectors, err := client.ConnectorStatuses(context.Background(), []int64{123, 456})
	require.NoError(t, err)
	require.Len(t, connectors, 3)

	assert.Equal(t, "https://api.example/m/appchargepoint/getChargePoint", doer.lastURL)
	assert.JSONEq(t, `{"cuprId":[123,456]}`, string(doer.lastBody))

	first := connectors[0]
	assert.Equal(t, int64(123), first.CuprID)
	assert.Equal(t, "Plaza Mayor", first.CuprName)
	assert.Equal(t, int64(9001), first.CpID)
	assert.Equal(t, int64(11), first.LogicalSocketID)
	assert.Equal(t, int64(111), first.PhysicalSocketID)
	assert.Equal(t, "A1", first.SocketCode)
	assert.Equal(t, "CCS", first.SocketType)
	assert.Equal(t, 50.0, first.MaxPower)
	assert.Equal(t, StatusAvailable, first.Status)
	assert.Equal(t, 0.45, first.Price)
	assert.True(t, first.Available())

	assert.Equal(t, StatusOccupied, connectors[1].Status)
	assert.False(t, connectors[1].Available())

	// Sockets without a status block must not look reservable.
	assert.Equal(t, "UNKNOWN", connectors[2].Status)
	assert.False(t, connectors[2].Available())
}

func TestConnectorStatusesEmptyDocument(t *testing.T) {
	doer := &fakeDoer{responses: map[string]string{"/appchargepoint/getChargePoint": `[]`}}
	connectors, err := newTestClient(doer).ConnectorStatuses(context.Background(), []int64{123})
	require.NoError(t, err)
	assert.Empty(t, connectors)
}

func TestTransactionInProgress(t *testing.T) {
	doer := &fakeDoer{responses: map[string]string{
		"/appoperation/getTransactionInProgress": `{"rechargeInProgress":false,"reservationInProgress":true,` +
			`"cuprId":123,"physicalSocketId":111,"reservationEndDate":"2026-08-31 10:15:00"}`,
	}}
	tx, err := newTestClient(doer).TransactionInProgress(context.Background())
	require.NoError(t, err)
	assert.False(t, tx.RechargeInProgress)
	assert.True(t, tx.ReservationInProgress)
	assert.Equal(t, int64(123), tx.CuprID)
	assert.Equal(t, "2026-08-31 10:15:00", tx.ReservationEndDate)
}

func TestUserReservationAbsent(t *testing.T) {
	doer := &fakeDoer{responses: map[string]string{"/appreservation/getUserReservation": `{}`}}
	res, err := newTestClient(doer).UserReservation(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestUserReservationPresent(t *testing.T) {
	doer := &fakeDoer{responses: map[string]string{
		"/appreservation/getUserReservation": `{"reservationId":777,"physicalSocketId":111,` +
			`"chargePointInfo":{"cuprId":123,"foldedTitle":"Plaza Mayor"},` +
			`"startDate":"2026-08-31 10:00:00","endDate":"2026-08-31 10:15:00",` +
			`"reserve":{"finalPrice":1.0},"cancelationCost":0}`,
	}}
	res, err := newTestClient(doer).UserReservation(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, int64(777), res.ReservationID)
	assert.Equal(t, int64(123), res.CuprID)
	assert.Equal(t, "Plaza Mayor", res.Title)
	assert.Equal(t, 1.0, res.FinalPrice)
}

func TestActivePaymentMethodAbsent(t *testing.T) {
	doer := &fakeDoer{responses: map[string]string{"/apppayment/getPaymentMethod": `{"token":""}`}}
	method, err := newTestClient(doer).ActivePaymentMethod(context.Background())
	require.NoError(t, err)
	assert.Nil(t, method)
}

func TestActivePaymentMethodPresent(t *testing.T) {
	doer := &fakeDoer{responses: map[string]string{
		"/apppayment/getPaymentMethod": `{"token":"tok-42","cardNumber":"454881******0004"}`,
	}}
	method, err := newTestClient(doer).ActivePaymentMethod(context.Background())
	require.NoError(t, err)
	require.NotNil(t, method)
	assert.Equal(t, "tok-42", method.Token)
	assert.Equal(t, "454881******0004", method.CardNumber)
}

func TestCreateOrderConvertsCentsToEuros(t *testing.T) {
	doer := &fakeDoer{responses: map[string]string{
		"/apppayment/getOrderId": `{"orderId":"000012345678","tokenCod":"tok-42","merchantCode":"3351","cofTxnId":"cof-1"}`,
	}}
	order, err := newTestClient(doer).CreateOrder(context.Background(), 123, 111, 100)
	require.NoError(t, err)

	sent := gjson.ParseBytes(doer.lastBody)
	assert.Equal(t, int64(123), sent.Get("cuprId").Int())
	assert.Equal(t, int64(111), sent.Get("physicalSocketId").Int())
	assert.Equal(t, 1.0, sent.Get("amount").Float())

	assert.Equal(t, "000012345678", order.OrderID)
	assert.Equal(t, "tok-42", order.TokenCod)
	assert.Equal(t, "3351", order.MerchantCode)
	assert.NotEmpty(t, order.Raw)
}

func TestCreateOrderRejectsMissingOrderID(t *testing.T) {
	doer := &fakeDoer{responses: map[string]string{"/apppayment/getOrderId": `{}`}}
	_, err := newTestClient(doer).CreateOrder(context.Background(), 123, 111, 100)
	assert.Error(t, err)
}

func TestReserve(t *testing.T) {
	doer := &fakeDoer{responses: map[string]string{
		"/appreservation/reserve": `{"reservationId":778,"startDate":"2026-08-31 10:00:00",` +
			`"endDate":"2026-08-31 10:15:00","reserve":{"finalPrice":1.0}}`,
	}}
	res, err := newTestClient(doer).Reserve(context.Background(), 123, 111, "000012345678")
	require.NoError(t, err)
	assert.Equal(t, int64(778), res.ReservationID)
	assert.Equal(t, int64(123), res.CuprID)
	assert.Equal(t, int64(111), res.PhysicalSocketID)

	sent := gjson.ParseBytes(doer.lastBody)
	assert.Equal(t, "000012345678", sent.Get("orderId").String())
}

func TestReserveRejectsMissingReservationID(t *testing.T) {
	doer := &fakeDoer{responses: map[string]string{"/appreservation/reserve": `{"error":"SOCKET_NOT_AVAILABLE"}`}}
	_, err := newTestClient(doer).Reserve(context.Background(), 123, 111, "000012345678")
	assert.Error(t, err)
}

func TestCancelReservation(t *testing.T) {
	doer := &fakeDoer{}
	err := newTestClient(doer).CancelReservation(context.Background(), 123, 111)
	require.NoError(t, err)
	assert.Contains(t, doer.lastURL, "/appreservation/cancelReservation")
	assert.JSONEq(t, `{"cuprId":123,"physicalSocketId":111}`, string(doer.lastBody))
}

func TestFavorites(t *testing.T) {
	doer := &fakeDoer{responses: map[string]string{
		"/appfavoritechargepoint/get-favorite-charge-points": `[{"locationData":{"cuprId":123}},{"cuprId":456}]`,
	}}
	ids, err := newTestClient(doer).Favorites(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{123, 456}, ids)
}

func TestSearchAreaBoundingBox(t *testing.T) {
	doer := &fakeDoer{responses: map[string]string{
		"/appchargepoint/listChargePoints": `[{"locationData":{"cuprId":123,"cuprName":"Plaza Mayor",` +
			`"latitude":40.41,"longitude":-3.70},"cpStatus":{"statusCode":"AVAILABLE"}}]`,
	}}
	points, err := newTestClient(doer).SearchArea(context.Background(), 40.41, -3.70, 0.02)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, int64(123), points[0].CuprID)

	sent := gjson.ParseBytes(doer.lastBody)
	assert.InDelta(t, 40.39, sent.Get("latitudeMin").Float(), 1e-9)
	assert.InDelta(t, 40.43, sent.Get("latitudeMax").Float(), 1e-9)
	assert.InDelta(t, -3.72, sent.Get("longitudeMin").Float(), 1e-9)
	assert.InDelta(t, -3.68, sent.Get("longitudeMax").Float(), 1e-9)
}

func TestGatewayErrorsPropagate(t *testing.T) {
	doer := &fakeDoer{err: errors.New("authentication required")}
	client := newTestClient(doer)

	_, err := client.TransactionInProgress(context.Background())
	assert.Error(t, err)
	_, err = client.ConnectorStatuses(context.Background(), []int64{123})
	assert.Error(t, err)
	err = client.CancelReservation(context.Background(), 123, 111)
	assert.Error(t, err)
}
