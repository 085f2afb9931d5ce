// Package model はドメインモデルを定義する。
package model

// Product はチャットの対象となる商品を表す。
// 商品のCRUDは別サービスの責務で、ここでは参照のみ行う。
type Product struct {
	ID       string
	Title    string
	SellerID string
}
