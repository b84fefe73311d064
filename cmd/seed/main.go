// Command seed provisions the demo environment: it creates and fills
// the sales schema and ingests the policy document into the vector
// store. Safe to re-run; everything is dropped and rebuilt.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"google.golang.org/genai"

	"github.com/insight-agent/server/internal/agent/model"
	"github.com/insight-agent/server/internal/agent/rag"
	pkgpostgres "github.com/insight-agent/server/pkg/postgres"
)

type seedConfig struct {
	Postgres pkgpostgres.Config

	APIKey  string `envconfig:"GEMINI_API_KEY" required:"true"`
	BaseURL string `envconfig:"GEMINI_BASE_URL"`

	Search model.PolicySearchConfig
}

var salesSchema = []string{
	`DROP TABLE IF EXISTS order_items, orders, inventory, products, customers CASCADE`,
	`CREATE TABLE customers (
		customer_id SERIAL PRIMARY KEY,
		name        TEXT NOT NULL,
		region      TEXT NOT NULL,
		created_at  DATE NOT NULL
	)`,
	`CREATE TABLE products (
		product_id SERIAL PRIMARY KEY,
		name       TEXT NOT NULL,
		category   TEXT NOT NULL,
		unit_price NUMERIC(10,2) NOT NULL
	)`,
	`CREATE TABLE inventory (
		product_id INT PRIMARY KEY REFERENCES products(product_id),
		stock      INT NOT NULL,
		updated_at DATE NOT NULL
	)`,
	`CREATE TABLE orders (
		order_id    SERIAL PRIMARY KEY,
		customer_id INT NOT NULL REFERENCES customers(customer_id),
		order_date  DATE NOT NULL,
		status      TEXT NOT NULL
	)`,
	`CREATE TABLE order_items (
		order_id   INT NOT NULL REFERENCES orders(order_id),
		product_id INT NOT NULL REFERENCES products(product_id),
		quantity   INT NOT NULL,
		unit_price NUMERIC(10,2) NOT NULL,
		PRIMARY KEY (order_id, product_id)
	)`,
}

var products = []struct {
	name     string
	category string
	price    float64
}{
	{"Espresso Beans 1kg", "Coffee", 18.50},
	{"Cold Brew Concentrate", "Coffee", 9.90},
	{"Ceramic Mug", "Accessories", 12.00},
	{"Travel Tumbler", "Accessories", 24.00},
	{"Drip Coffee Maker", "Equipment", 89.00},
	{"Hand Grinder", "Equipment", 45.00},
	{"Green Tea Box", "Tea", 11.50},
	{"Chai Blend", "Tea", 13.00},
}

var regions = []string{"North", "South", "East", "West"}

// policyDocument stands in for the real PDF; page markers match the
// citation format the search tool emits.
var policyDocument = []struct {
	page int
	text string
}{
	{1, `Return Policy. Customers may return any unopened product within 30 days of delivery for a full refund. Opened consumable products (coffee, tea) are not eligible for return unless defective. Refunds are issued to the original payment method within 5 business days of receiving the returned item.`},
	{2, `Damaged Items. If an item arrives damaged, the customer must report it within 7 days of delivery with photographic evidence. Damaged items are refunded in full or replaced at the customer's choice, including shipping costs. No return shipment is required for items reported as damaged.`},
	{3, `Shipping Policy. Standard shipping takes 3-5 business days within the contiguous regions. Orders above 50 USD ship free. Expedited shipping is available at checkout for a flat 12 USD fee. We do not ship perishable goods to international destinations.`},
	{4, `Discount and Promotion Rules. Promotional discount codes cannot be combined. Wholesale customers ordering more than 100 units of a single product receive a 15 percent volume discount applied automatically. Employee discounts may not be used on promotional bundles.`},
	{5, `Data Handling. Customer contact details are used only for order fulfilment and must never be included in analytical reports. Aggregated sales figures may be shared internally without restriction.`},
}

func main() {
	var (
		days   = flag.Int("days", 365, "how many days of order history to generate")
		orders = flag.Int("orders", 1500, "how many orders to generate")
	)
	flag.Parse()

	ctx := context.Background()

	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	var cfg seedConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("Failed to process environment config: %v", err)
	}

	db, err := cfg.Postgres.New()
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()

	fmt.Println("Creating sales schema...")
	for _, stmt := range salesSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			log.Fatalf("Failed to execute schema statement: %v", err)
		}
	}

	rng := rand.New(rand.NewSource(42))

	fmt.Println("Seeding products and inventory...")
	for _, p := range products {
		var id int
		err := db.QueryRowContext(ctx,
			`INSERT INTO products (name, category, unit_price) VALUES ($1, $2, $3) RETURNING product_id`,
			p.name, p.category, p.price,
		).Scan(&id)
		if err != nil {
			log.Fatalf("Failed to insert product: %v", err)
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO inventory (product_id, stock, updated_at) VALUES ($1, $2, CURRENT_DATE)`,
			id, 50+rng.Intn(450),
		); err != nil {
			log.Fatalf("Failed to insert inventory: %v", err)
		}
	}

	fmt.Println("Seeding customers...")
	customerCount := 60
	for i := 0; i < customerCount; i++ {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO customers (name, region, created_at) VALUES ($1, $2, CURRENT_DATE - $3::int)`,
			fmt.Sprintf("Customer %03d", i+1),
			regions[rng.Intn(len(regions))],
			rng.Intn(*days),
		); err != nil {
			log.Fatalf("Failed to insert customer: %v", err)
		}
	}

	fmt.Printf("Seeding %d orders...\n", *orders)
	statuses := []string{"completed", "completed", "completed", "shipped", "cancelled"}
	for i := 0; i < *orders; i++ {
		var orderID int
		err := db.QueryRowContext(ctx,
			`INSERT INTO orders (customer_id, order_date, status) VALUES ($1, CURRENT_DATE - $2::int, $3) RETURNING order_id`,
			1+rng.Intn(customerCount),
			rng.Intn(*days),
			statuses[rng.Intn(len(statuses))],
		).Scan(&orderID)
		if err != nil {
			log.Fatalf("Failed to insert order: %v", err)
		}

		lines := 1 + rng.Intn(3)
		seen := map[int]bool{}
		for j := 0; j < lines; j++ {
			pid := 1 + rng.Intn(len(products))
			if seen[pid] {
				continue
			}
			seen[pid] = true
			if _, err := db.ExecContext(ctx,
				`INSERT INTO order_items (order_id, product_id, quantity, unit_price)
				 SELECT $1, product_id, $2, unit_price FROM products WHERE product_id = $3`,
				orderID, 1+rng.Intn(10), pid,
			); err != nil {
				log.Fatalf("Failed to insert order item: %v", err)
			}
		}
	}

	fmt.Println("Ingesting policy document into vector store...")
	clientCfg := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.BaseURL
	}
	gclient, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		log.Fatalf("Failed to create Gemini client: %v", err)
	}

	embedder := rag.NewGeminiEmbedder(gclient, cfg.Search.EmbeddingModel, cfg.Search.Dimension)
	store := rag.NewPGVectorStore(db, embedder, cfg.Search.Dimension)

	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure vector schema: %v", err)
	}
	if err := store.Reset(ctx); err != nil {
		log.Fatalf("Failed to reset vector store: %v", err)
	}

	var chunks []rag.Chunk
	for _, page := range policyDocument {
		for _, piece := range rag.SplitText(rag.NormalizeText(page.text), 500, 50) {
			chunks = append(chunks, rag.Chunk{Content: piece, Page: page.page})
		}
	}
	if err := store.AddChunks(ctx, chunks); err != nil {
		log.Fatalf("Failed to ingest policy chunks: %v", err)
	}

	fmt.Printf("Seed complete: %d products, %d customers, %d orders, %d policy chunks (at %s).\n",
		len(products), customerCount, *orders, len(chunks), time.Now().Format(time.RFC3339))
}
