package evapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/cargabot/cargabot/internal/config"
)

// Doer issues authenticated requests. *gateway.Gateway satisfies it.
type Doer interface {
	Do(ctx context.Context, method, url string, body []byte) ([]byte, error)
}

// Client wraps the charger-network REST API. All calls go through the
// authenticated gateway; responses are picked apart with gjson because the
// upstream documents are deeply nested and mostly ignored.
type Client struct {
	gw      Doer
	baseURL string
}

func NewClient(cfg *config.Config, gw Doer) *Client {
	return &Client{
		gw:      gw,
		baseURL: strings.TrimRight(cfg.Provider.APIBaseURL, "/"),
	}
}

func (c *Client) url(path string) string {
	return c.baseURL + path
}

// ChargePointDetails fetches the full documents for the given charge points.
func (c *Client) ChargePointDetails(ctx context.Context, cuprIDs []int64) ([]byte, error) {
	payload, err := sjson.Set("{}", "cuprId", cuprIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build charge point payload: %w", err)
	}
	body, err := c.gw.Do(ctx, http.MethodPost, c.url("/appchargepoint/getChargePoint"), []byte(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch charge point details: %w", err)
	}
	return body, nil
}

// ConnectorStatuses returns every physical socket of the given charge
// points, flattened with its status, type, power and price.
func (c *Client) ConnectorStatuses(ctx context.Context, cuprIDs []int64) ([]Connector, error) {
	body, err := c.ChargePointDetails(ctx, cuprIDs)
	if err != nil {
		return nil, err
	}
	return flattenConnectors(body), nil
}

func flattenConnectors(body []byte) []Connector {
	var connectors []Connector
	gjson.ParseBytes(body).ForEach(func(_, chargePoint gjson.Result) bool {
		cpID := chargePoint.Get("cpId").Int()
		cuprID := chargePoint.Get("locationData.cuprId").Int()
		cuprName := chargePoint.Get("locationData.cuprName").String()

		chargePoint.Get("logicalSocket").ForEach(func(_, logical gjson.Result) bool {
			logicalID := logical.Get("logicalSocketId").Int()

			logical.Get("physicalSocket").ForEach(func(_, physical gjson.Result) bool {
				conn := Connector{
					CuprID:           cuprID,
					CuprName:         cuprName,
					CpID:             cpID,
					LogicalSocketID:  logicalID,
					PhysicalSocketID: physical.Get("physicalSocketId").Int(),
					SocketCode:       physical.Get("physicalSocketCode").String(),
					SocketType:       physical.Get("socketType.socketName").String(),
					MaxPower:         physical.Get("maxPower").Float(),
					Status:           physical.Get("status.statusCode").String(),
					StatusUpdateDate: physical.Get("status.updateDate").String(),
					Price:            physical.Get("appliedRate.recharge.finalPrice").Float(),
				}
				if conn.Status == "" {
					conn.Status = "UNKNOWN"
				}
				connectors = append(connectors, conn)
				return true
			})
			return true
		})
		return true
	})
	return connectors
}

// SearchArea lists charge points inside a bounding box around the given
// coordinates. radius is in degrees, roughly 0.01 per kilometre.
func (c *Client) SearchArea(ctx context.Context, lat, lon, radius float64) ([]ChargePointSummary, error) {
	payload := `{"advantageous":false,"chargePointTypesCodes":[],"connectorsType":[],"favoriteInd":null,` +
		`"loadSpeed":[],"socketStatus":[],"parkingRestrictionsList":[],"tagIds":[],"chargerOperator":[],"sites":[]}`
	for key, value := range map[string]float64{
		"latitudeMin":  lat - radius,
		"latitudeMax":  lat + radius,
		"longitudeMin": lon - radius,
		"longitudeMax": lon + radius,
	} {
		payload, _ = sjson.Set(payload, key, value)
	}

	body, err := c.gw.Do(ctx, http.MethodPost, c.url("/appchargepoint/listChargePoints"), []byte(payload))
	if err != nil {
		return nil, fmt.Errorf("area search failed: %w", err)
	}

	var points []ChargePointSummary
	gjson.ParseBytes(body).ForEach(func(_, cp gjson.Result) bool {
		points = append(points, ChargePointSummary{
			CuprID:    cp.Get("locationData.cuprId").Int(),
			Name:      cp.Get("locationData.cuprName").String(),
			TypeCode:  cp.Get("locationData.chargePointTypeCode").String(),
			Status:    cp.Get("cpStatus.statusCode").String(),
			Latitude:  cp.Get("locationData.latitude").Float(),
			Longitude: cp.Get("locationData.longitude").Float(),
		})
		return true
	})
	return points, nil
}

// Favorites returns the cuprIds of the user's favorite charge points.
func (c *Client) Favorites(ctx context.Context) ([]int64, error) {
	body, err := c.gw.Do(ctx, http.MethodGet, c.url("/appfavoritechargepoint/get-favorite-charge-points"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch favorites: %w", err)
	}
	var ids []int64
	gjson.ParseBytes(body).ForEach(func(_, fav gjson.Result) bool {
		if id := fav.Get("locationData.cuprId").Int(); id != 0 {
			ids = append(ids, id)
		} else if id := fav.Get("cuprId").Int(); id != 0 {
			ids = append(ids, id)
		}
		return true
	})
	return ids, nil
}

// TransactionInProgress reports whether the user currently has a recharge or
// reservation running.
func (c *Client) TransactionInProgress(ctx context.Context) (*Transaction, error) {
	body, err := c.gw.Do(ctx, http.MethodGet, c.url("/appoperation/getTransactionInProgress"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transaction state: %w", err)
	}
	doc := gjson.ParseBytes(body)
	return &Transaction{
		RechargeInProgress:    doc.Get("rechargeInProgress").Bool(),
		ReservationInProgress: doc.Get("reservationInProgress").Bool(),
		CuprID:                doc.Get("cuprId").Int(),
		PhysicalSocketID:      doc.Get("physicalSocketId").Int(),
		ReservationEndDate:    doc.Get("reservationEndDate").String(),
	}, nil
}

// UserReservation returns the detail view of the active reservation, or nil
// when there is none.
func (c *Client) UserReservation(ctx context.Context) (*Reservation, error) {
	body, err := c.gw.Do(ctx, http.MethodGet, c.url("/appreservation/getUserReservation"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch reservation: %w", err)
	}
	doc := gjson.ParseBytes(body)
	if !doc.Get("reservationId").Exists() {
		return nil, nil
	}
	return &Reservation{
		ReservationID:    doc.Get("reservationId").Int(),
		CuprID:           doc.Get("chargePointInfo.cuprId").Int(),
		PhysicalSocketID: doc.Get("physicalSocketId").Int(),
		SocketType:       doc.Get("socketType.socketName").String(),
		StartDate:        doc.Get("startDate").String(),
		EndDate:          doc.Get("endDate").String(),
		FinalPrice:       doc.Get("reserve.finalPrice").Float(),
		CancelationCost:  doc.Get("cancelationCost").Float(),
		Status:           doc.Get("status.description").String(),
		Title:            doc.Get("chargePointInfo.foldedTitle").String(),
	}, nil
}

// ActivePaymentMethod returns the stored card, or nil when none is set up.
func (c *Client) ActivePaymentMethod(ctx context.Context) (*PaymentMethod, error) {
	body, err := c.gw.Do(ctx, http.MethodGet, c.url("/apppayment/getPaymentMethod"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payment method: %w", err)
	}
	doc := gjson.ParseBytes(body)
	token := doc.Get("token").String()
	if token == "" {
		return nil, nil
	}
	return &PaymentMethod{
		Token:      token,
		CardNumber: doc.Get("cardNumber").String(),
	}, nil
}

// CreateOrder requests a payment pre-authorization for a reservation on the
// given socket. amountCents is the hold amount in euro cents.
func (c *Client) CreateOrder(ctx context.Context, cuprID, physicalSocketID int64, amountCents int) (*Order, error) {
	payload := "{}"
	payload, _ = sjson.Set(payload, "cuprId", cuprID)
	payload, _ = sjson.Set(payload, "physicalSocketId", physicalSocketID)
	payload, _ = sjson.Set(payload, "amount", float64(amountCents)/100)

	body, err := c.gw.Do(ctx, http.MethodPost, c.url("/apppayment/getOrderId"), []byte(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create payment order: %w", err)
	}
	doc := gjson.ParseBytes(body)
	orderID := doc.Get("orderId").String()
	if orderID == "" {
		return nil, fmt.Errorf("order response carried no orderId")
	}
	return &Order{
		OrderID:      orderID,
		TokenCod:     doc.Get("tokenCod").String(),
		MerchantCode: doc.Get("merchantCode").String(),
		CofTxnID:     doc.Get("cofTxnId").String(),
		Raw:          body,
	}, nil
}

// Reserve creates the reservation after the order has been paid.
func (c *Client) Reserve(ctx context.Context, cuprID, physicalSocketID int64, orderID string) (*Reservation, error) {
	payload := "{}"
	payload, _ = sjson.Set(payload, "cuprId", cuprID)
	payload, _ = sjson.Set(payload, "physicalSocketId", physicalSocketID)
	payload, _ = sjson.Set(payload, "orderId", orderID)

	body, err := c.gw.Do(ctx, http.MethodPost, c.url("/appreservation/reserve"), []byte(payload))
	if err != nil {
		return nil, fmt.Errorf("reservation request failed: %w", err)
	}
	doc := gjson.ParseBytes(body)
	if !doc.Get("reservationId").Exists() {
		return nil, fmt.Errorf("reservation response carried no reservationId: %s", truncate(body))
	}
	return &Reservation{
		ReservationID:    doc.Get("reservationId").Int(),
		CuprID:           cuprID,
		PhysicalSocketID: physicalSocketID,
		StartDate:        doc.Get("startDate").String(),
		EndDate:          doc.Get("endDate").String(),
		FinalPrice:       doc.Get("reserve.finalPrice").Float(),
		Status:           doc.Get("status.description").String(),
	}, nil
}

// CancelReservation cancels the active reservation on the given socket.
func (c *Client) CancelReservation(ctx context.Context, cuprID, physicalSocketID int64) error {
	payload := "{}"
	payload, _ = sjson.Set(payload, "cuprId", cuprID)
	payload, _ = sjson.Set(payload, "physicalSocketId", physicalSocketID)

	if _, err := c.gw.Do(ctx, http.MethodPost, c.url("/appreservation/cancelReservation"), []byte(payload)); err != nil {
		return fmt.Errorf("cancellation request failed: %w", err)
	}
	return nil
}

// UserData fetches the raw user profile document.
func (c *Client) UserData(ctx context.Context) ([]byte, error) {
	body, err := c.gw.Do(ctx, http.MethodGet, c.url("/appuser/newUserData"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user data: %w", err)
	}
	return body, nil
}

func truncate(body []byte) string {
	if len(body) > 200 {
		return string(body[:200])
	}
	return string(body)
}
